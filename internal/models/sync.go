package models

import "time"

// SyncCursor tracks one (unit, channel) feed between sync passes.
type SyncCursor struct {
	UnitID              string     `json:"unit_id"`
	Channel             Source     `json:"channel"`
	FeedURL             string     `json:"feed_url"`
	ETag                string     `json:"etag,omitempty"`
	LastModified        string     `json:"last_modified,omitempty"`
	Fingerprint         string     `json:"fingerprint,omitempty"`
	// WindowStart is the first date of the sync window the fingerprint was
	// applied with. A feed that has not changed still needs a full pass once
	// the window moves, because events beyond the old horizon were never stored.
	WindowStart         string     `json:"window_start,omitempty"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	LastError           string     `json:"last_error,omitempty"`
	NextSyncAt          time.Time  `json:"next_sync_at"`
}

// Due reports whether a scheduled pass should run now.
func (c *SyncCursor) Due(now time.Time) bool {
	return !now.Before(c.NextSyncAt)
}

// SyncAnomaly is a channel claim that could not be applied because it collides
// with an active interval.
type SyncAnomaly struct {
	ID                 int64      `json:"id"`
	UnitID             string     `json:"unit_id"`
	Source             Source     `json:"source"`
	ExternalUID        string     `json:"external_uid"`
	Range              DateRange  `json:"range"`
	Summary            string     `json:"summary,omitempty"`
	ConflictingIDs     []int64    `json:"conflicting_ids"`
	ConflictingSources []Source   `json:"conflicting_sources"`
	DetectedAt         time.Time  `json:"detected_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

func (a *SyncAnomaly) Open() bool { return a.ResolvedAt == nil }

// ChannelHealth is the operator view of a cursor.
type ChannelHealth struct {
	UnitID       string     `json:"unit_id"`
	Channel      Source     `json:"channel"`
	Degraded     bool       `json:"degraded"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	FailureCount int        `json:"failure_count"`
	LastError    string     `json:"last_error,omitempty"`
	NextSyncAt   time.Time  `json:"next_sync_at"`
}

func (c *SyncCursor) Health() ChannelHealth {
	return ChannelHealth{
		UnitID:       c.UnitID,
		Channel:      c.Channel,
		Degraded:     c.Degraded,
		LastSuccess:  c.LastSuccessAt,
		FailureCount: c.ConsecutiveFailures,
		LastError:    c.LastError,
		NextSyncAt:   c.NextSyncAt,
	}
}
