package models

import "time"

type ReservationState string

const (
	StateRequested ReservationState = "REQUESTED"
	StateReserved  ReservationState = "RESERVED"
	StateConfirmed ReservationState = "CONFIRMED"
	StateRejected  ReservationState = "REJECTED"
	StateExpired   ReservationState = "EXPIRED"
	StateReleased  ReservationState = "RELEASED"
)

// Holding states keep the idempotency key claimed.
func (s ReservationState) Holding() bool {
	return s == StateRequested || s == StateReserved || s == StateConfirmed
}

// Terminal states never transition again.
func (s ReservationState) Terminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateExpired, StateReleased:
		return true
	}
	return false
}

// ReservationRequest is what a booking client submits.
type ReservationRequest struct {
	UnitID         string    `json:"unit_id"`
	CheckIn        time.Time `json:"check_in"`
	CheckOut       time.Time `json:"check_out"`
	GuestCount     int       `json:"guests"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func (r ReservationRequest) Range() DateRange {
	return NewDateRange(r.CheckIn, r.CheckOut)
}

type Reservation struct {
	ID             string           `json:"id"`
	UnitID         string           `json:"unit_id"`
	Range          DateRange        `json:"range"`
	GuestCount     int              `json:"guests"`
	IdempotencyKey string           `json:"idempotency_key"`
	State          ReservationState `json:"state"`
	IntervalID     int64            `json:"interval_id,omitempty"`
	HoldDeadline   *time.Time       `json:"hold_deadline,omitempty"`
	RejectReason   string           `json:"reject_reason,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Matches reports whether req describes the same stay as r.
func (r *Reservation) Matches(req ReservationRequest) bool {
	return r.UnitID == req.UnitID && r.Range.Equal(req.Range()) && r.GuestCount == req.GuestCount
}

type PaymentOutcome string

const (
	PaymentOK       PaymentOutcome = "ok"
	PaymentDeclined PaymentOutcome = "declined"
)
