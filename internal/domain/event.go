package domain

import "time"

type EventType string

const (
	EventHoldCreated      EventType = "hold_created"
	EventBookingCreated   EventType = "booking_created"
	EventBookingConfirmed EventType = "booking_confirmed"
	EventBookingCancelled EventType = "booking_cancelled"
	EventHoldExpired      EventType = "hold_expired"
	EventFeedSynced       EventType = "feed_synced"
	EventFeedDegraded     EventType = "feed_degraded"
)

// AvailabilityEvent is published whenever the blocked dates of a property change or its
// external calendar stops syncing.
type AvailabilityEvent struct {
	Type       EventType  `json:"type"`
	PropertyID string     `json:"property_id"`
	BookingRef string     `json:"booking_ref,omitempty"`
	Source     Source     `json:"source,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// RangeEvent builds the event describing a change to r.
func RangeEvent(t EventType, r BlockedRange, at time.Time) AvailabilityEvent {
	start, end := r.Interval.Start, r.Interval.End
	return AvailabilityEvent{
		Type:       t,
		PropertyID: r.PropertyID,
		BookingRef: r.SourceRef,
		Source:     r.Source,
		Start:      &start,
		End:        &end,
		OccurredAt: at,
	}
}
