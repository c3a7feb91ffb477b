package domain

import (
	"errors"
	"fmt"
	"strings"

	"staysync/internal/models"
)

var (
	ErrStaleVersion       = errors.New("stale version: interval was modified concurrently")
	ErrHoldExpired        = errors.New("reservation hold expired")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid reservation state transition")
	ErrRequestInProgress  = errors.New("request with this idempotency key is in progress")
	ErrPaymentUnavailable = errors.New("payment gateway unavailable")
)

// ValidationError is returned for malformed requests before any availability lookup.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError lists the active intervals that collide with a claim.
type ConflictError struct {
	UnitID      string
	Range       models.DateRange
	Conflicting []models.Interval
}

func (e *ConflictError) Error() string {
	sources := e.Sources()
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, string(s))
	}
	return fmt.Sprintf("unit %s %s already booked via %s", e.UnitID, e.Range, strings.Join(names, ", "))
}

// Sources returns the distinct sources of the colliding intervals in order.
func (e *ConflictError) Sources() []models.Source {
	seen := make(map[models.Source]bool)
	var out []models.Source
	for _, iv := range e.Conflicting {
		if !seen[iv.Source] {
			seen[iv.Source] = true
			out = append(out, iv.Source)
		}
	}
	return out
}

// IDs returns the ids of the colliding intervals.
func (e *ConflictError) IDs() []int64 {
	out := make([]int64, 0, len(e.Conflicting))
	for _, iv := range e.Conflicting {
		out = append(out, iv.ID)
	}
	return out
}

type CapacityError struct {
	UnitID     string
	Requested  int
	MaxAllowed int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("unit %s allows at most %d guests, requested %d", e.UnitID, e.MaxAllowed, e.Requested)
}

// ChannelFetchError is a transient failure fetching or parsing a channel feed.
type ChannelFetchError struct {
	UnitID     string
	Channel    models.Source
	StatusCode int
	Err        error
}

func (e *ChannelFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("channel %s/%s fetch failed with status %d: %v", e.UnitID, e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("channel %s/%s fetch failed: %v", e.UnitID, e.Channel, e.Err)
}

func (e *ChannelFetchError) Unwrap() error { return e.Err }

// SyncAnomalyWarning reports a channel claim kept as an open anomaly.
type SyncAnomalyWarning struct {
	Anomaly models.SyncAnomaly
}

func (e *SyncAnomalyWarning) Error() string {
	return fmt.Sprintf("sync anomaly on unit %s: %s %s %s collides with %v",
		e.Anomaly.UnitID, e.Anomaly.Source, e.Anomaly.ExternalUID, e.Anomaly.Range, e.Anomaly.ConflictingSources)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsCapacity(err error) bool {
	var c *CapacityError
	return errors.As(err, &c)
}
