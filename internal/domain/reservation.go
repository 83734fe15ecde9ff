package domain

import (
	"errors"
	"time"
)

// ReserveMode decides what an accepted request writes into the index.
type ReserveMode string

const (
	ModeInstant ReserveMode = "INSTANT"
	ModeHold    ReserveMode = "HOLD"
)

func (m ReserveMode) Source() Source {
	if m == ModeInstant {
		return SourceBooking
	}
	return SourceHold
}

// AttemptState is the lifecycle of a single booking attempt.
type AttemptState string

const (
	StateRequested AttemptState = "REQUESTED"
	StateChecking  AttemptState = "CHECKING"
	StateAccepted  AttemptState = "ACCEPTED"
	StateRejected  AttemptState = "REJECTED"
)

func (s AttemptState) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Decision is the outcome of a booking attempt. Err is set for rejected attempts and is either
// an *InvalidRequestError or a *DateRangeUnavailableError.
type Decision struct {
	Status     AttemptState
	PropertyID string
	BookingRef string
	Interval   Interval
	Source     Source
	ExpiresAt  *time.Time
	Err        error
}

func (d *Decision) Accepted() bool {
	return d != nil && d.Status == StateAccepted
}

// Conflicts returns the blocked sub-ranges behind an unavailability rejection.
func (d *Decision) Conflicts() []Interval {
	var unavailable *DateRangeUnavailableError
	if d != nil && errors.As(d.Err, &unavailable) {
		return unavailable.Conflicts
	}
	return nil
}

// BookingStatus mirrors the lifecycle of a booking record owned by the marketplace backend.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "PENDING"
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusCancelled BookingStatus = "CANCELLED"
)

// BookingRecord is a booking persisted outside this service that the index has to know about.
type BookingRecord struct {
	Ref        string        `json:"ref"`
	PropertyID string        `json:"property_id"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Status     BookingStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}
