package domain

import "time"

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusOK       SyncStatus = "OK"
	SyncStatusDegraded SyncStatus = "DEGRADED"
)

// ExternalFeed is a calendar subscription whose events block a property's dates.
type ExternalFeed struct {
	PropertyID          string     `json:"property_id"`
	URL                 string     `json:"url"`
	Status              SyncStatus `json:"status"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	EventCount          int        `json:"event_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at"`
}

// SyncedBefore reports whether the feed has no successful sync at or after t.
func (f ExternalFeed) SyncedBefore(t time.Time) bool {
	return f.LastSyncAt == nil || f.LastSyncAt.Before(t)
}

// SyncResult summarises one sync of all feeds registered for a property.
type SyncResult struct {
	PropertyID string     `json:"property_id"`
	Events     int        `json:"events"`
	Skipped    int        `json:"skipped"`
	Status     SyncStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	SyncedAt   time.Time  `json:"synced_at"`
}

// FeedStatus is the sync health of a property's feeds.
type FeedStatus struct {
	PropertyID         string         `json:"property_id"`
	Feeds              []ExternalFeed `json:"feeds"`
	LastExternalSyncAt *time.Time     `json:"last_external_sync_at,omitempty"`
	Stale              bool           `json:"stale"`
	Degraded           bool           `json:"degraded"`
}
