package models

import "time"

type UpsertOutcome string

const (
	OutcomeUnchanged UpsertOutcome = "unchanged"
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeCancelled UpsertOutcome = "cancelled"
)

// UpsertRequest writes a channel interval keyed by (unit, source, external uid).
type UpsertRequest struct {
	UnitID          string
	Source          Source
	ExternalUID     string
	Range           DateRange
	Status          IntervalStatus
	Reference       string
	ExpectedVersion *int64
}

type UpsertResult struct {
	Interval *Interval
	Outcome  UpsertOutcome
}

// ReserveRequest claims a range through the atomic reserve path. When
// ReservationID is set the referenced REQUESTED reservation moves to RESERVED in
// the same transaction.
type ReserveRequest struct {
	UnitID        string
	Range         DateRange
	Source        Source
	Status        IntervalStatus
	Reference     string
	ReservationID string
	HoldDeadline  time.Time
}

type MutationKind string

const (
	MutationUpsert MutationKind = "upsert"
	MutationCancel MutationKind = "cancel"
)

// Mutation is one step of a sync batch.
type Mutation struct {
	Kind            MutationKind
	Upsert          UpsertRequest
	IntervalID      int64
	ExpectedVersion int64
}

type MutationResult struct {
	Mutation Mutation
	Interval *Interval
	Outcome  UpsertOutcome
	Err      error
}

// IntervalAction is applied to a reservation's interval during a transition.
type IntervalAction int

const (
	IntervalKeep IntervalAction = iota
	IntervalConfirm
	IntervalCancel
)

// Transition moves a reservation between states atomically with its interval.
type Transition struct {
	ReservationID   string
	From            []ReservationState
	To              ReservationState
	ExpectedVersion *int64
	Action          IntervalAction
	Reason          string
	// HoldValidAt, when set, fails the transition with ErrHoldExpired if the
	// hold deadline is not after it.
	HoldValidAt time.Time
}

func (t Transition) Allows(state ReservationState) bool {
	for _, s := range t.From {
		if s == state {
			return true
		}
	}
	return false
}
