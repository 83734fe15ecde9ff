package domain

import "time"

type Source string

const (
	SourceBooking      Source = "BOOKING"
	SourceHold         Source = "HOLD"
	SourceExternalFeed Source = "EXTERNAL_FEED"
)

// Reserved reports whether the source comes from this marketplace (a booking or a hold)
// rather than an external calendar.
func (s Source) Reserved() bool {
	return s == SourceBooking || s == SourceHold
}

func (s Source) Valid() bool {
	return s.Reserved() || s == SourceExternalFeed
}

// BlockedRange is a span of dates a property cannot be booked for.
type BlockedRange struct {
	Interval   Interval  `json:"interval"`
	PropertyID string    `json:"property_id"`
	Source     Source    `json:"source"`
	SourceRef  string    `json:"source_ref"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExpiresAt is when a hold stops blocking its dates. Non-hold ranges never expire.
func (r BlockedRange) ExpiresAt(holdTTL time.Duration) (time.Time, bool) {
	if r.Source != SourceHold {
		return time.Time{}, false
	}
	return r.CreatedAt.Add(holdTTL), true
}
