package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotMergeable      = errors.New("intervals neither overlap nor touch")
	ErrBookingNotFound   = errors.New("booking reference not found")
	ErrFeedNotRegistered = errors.New("no external feed registered for property")
	ErrInvalidFeedURL    = errors.New("invalid feed url")
)

// InvalidRangeError is returned when an interval would have start >= end.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: start %s is not before end %s", e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// InvalidRequestError describes a booking request that failed validation.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// DateRangeUnavailableError is the expected, user-facing rejection when the requested stay
// collides with blocked dates. Conflicts holds the blocked sub-ranges clipped to the request.
type DateRangeUnavailableError struct {
	PropertyID string
	Requested  Interval
	Conflicts  []Interval
}

func (e *DateRangeUnavailableError) Error() string {
	if len(e.Conflicts) == 0 {
		return fmt.Sprintf("property %s is unavailable for %s", e.PropertyID, e.Requested)
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s..%s", c.Start.Format(time.DateOnly), c.End.Format(time.DateOnly)))
	}
	return fmt.Sprintf("property %s is unavailable for %s: blocked %s", e.PropertyID, e.Requested, strings.Join(parts, ", "))
}

// RangeConflictError means a reserved range collided with another reserved range after the
// caller had already checked the index. It signals a bug or a race past the property lock.
type RangeConflictError struct {
	PropertyID string
	Incoming   BlockedRange
	Existing   BlockedRange
}

func (e *RangeConflictError) Error() string {
	return fmt.Sprintf("range conflict on property %s: %s %s collides with %s %s",
		e.PropertyID, e.Incoming.SourceRef, e.Incoming.Interval, e.Existing.SourceRef, e.Existing.Interval)
}

// LockTimeoutError is returned when the per-property lock could not be taken in time.
type LockTimeoutError struct {
	PropertyID string
	Waited     time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock on property %s", e.Waited, e.PropertyID)
}

func (e *LockTimeoutError) Retryable() bool { return true }

// FeedFetchError wraps a transport failure while downloading a calendar feed.
type FeedFetchError struct {
	URL string
	Err error
}

func (e *FeedFetchError) Error() string {
	return fmt.Sprintf("fetch feed %s: %v", e.URL, e.Err)
}

func (e *FeedFetchError) Unwrap() error { return e.Err }

// FeedParseError wraps a failure to parse a calendar feed as a whole.
type FeedParseError struct {
	URL string
	Err error
}

func (e *FeedParseError) Error() string {
	return fmt.Sprintf("parse feed %s: %v", e.URL, e.Err)
}

func (e *FeedParseError) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or anything it wraps) asks the caller to try again.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
