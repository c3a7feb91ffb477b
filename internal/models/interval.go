package models

import "time"

// Source identifies who claimed an interval. The set is open: every configured
// channel name is a valid source.
type Source string

const (
	SourceInternal    Source = "internal"
	SourceChannelA    Source = "channel_a"
	SourceChannelB    Source = "channel_b"
	SourceManualBlock Source = "manual_block"
)

// IsChannel reports whether the source is an external distribution channel.
func (s Source) IsChannel() bool {
	return s != "" && s != SourceInternal && s != SourceManualBlock
}

type IntervalStatus string

const (
	IntervalTentative IntervalStatus = "tentative"
	IntervalConfirmed IntervalStatus = "confirmed"
	IntervalCancelled IntervalStatus = "cancelled"
)

// Active statuses occupy nights.
func (s IntervalStatus) Active() bool {
	return s == IntervalTentative || s == IntervalConfirmed
}

// ActiveStatuses is the filter used for overlap checks.
var ActiveStatuses = []IntervalStatus{IntervalTentative, IntervalConfirmed}

// Interval is one claim on a unit's calendar.
type Interval struct {
	ID          int64          `json:"id"`
	UnitID      string         `json:"unit_id"`
	Range       DateRange      `json:"range"`
	Source      Source         `json:"source"`
	ExternalUID string         `json:"external_uid,omitempty"`
	Status      IntervalStatus `json:"status"`
	Version     int64          `json:"version"`
	Reference   string         `json:"reference,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SameContent compares the fields sync is allowed to change.
func (i *Interval) SameContent(r DateRange, status IntervalStatus) bool {
	return i.Range.Equal(r) && i.Status == status
}
