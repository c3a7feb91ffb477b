package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"staysync/internal/config"
	"staysync/internal/domain"
	"staysync/internal/logging"
	"staysync/internal/metrics"
	"staysync/internal/models"

	"github.com/rs/zerolog"
)

type blackout struct {
	unitID string
	rng    models.DateRange
	reason string
}

// ConflictGuard validates reservation requests and arbitrates them through
// the store's atomic reserve.
type ConflictGuard struct {
	store     domain.CalendarStore
	catalog   domain.Catalog
	blackouts []blackout
	maxStay   int
	logger    *zerolog.Logger
}

func NewConflictGuard(store domain.CalendarStore, catalog domain.Catalog, cfg config.ReservationsConfig, logger *zerolog.Logger) (*ConflictGuard, error) {
	g := &ConflictGuard{
		store:   store,
		catalog: catalog,
		maxStay: cfg.MaxStayNights,
		logger:  logging.Component(logger, "conflict_guard"),
	}
	if g.maxStay <= 0 {
		g.maxStay = models.DefaultMaxStayNights
	}
	for _, b := range cfg.Blackouts {
		r, err := b.Range()
		if err != nil {
			return nil, fmt.Errorf("blackout %s..%s: %w", b.Start, b.End, err)
		}
		g.blackouts = append(g.blackouts, blackout{unitID: b.UnitID, rng: r, reason: b.Reason})
	}
	return g, nil
}

// Validate checks a request without touching availability.
func (g *ConflictGuard) Validate(ctx context.Context, req models.ReservationRequest) error {
	if req.UnitID == "" {
		return domain.NewValidationError("unit_id", "is required")
	}
	if req.CheckIn.IsZero() || req.CheckOut.IsZero() {
		return domain.NewValidationError("check_in", "check-in and check-out are required")
	}
	r := req.Range()
	if !r.Valid() {
		return domain.NewValidationError("check_out", "check-out must be after check-in")
	}
	if req.GuestCount < 1 {
		return domain.NewValidationError("guests", "at least one guest is required")
	}
	if r.Nights() > g.maxStay {
		return domain.NewValidationError("check_out", fmt.Sprintf("stay of %d nights exceeds the maximum of %d", r.Nights(), g.maxStay))
	}

	capacity, err := g.catalog.Capacity(ctx, req.UnitID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewValidationError("unit_id", fmt.Sprintf("unknown unit %s", req.UnitID))
	}
	if err != nil {
		return fmt.Errorf("catalog lookup: %w", err)
	}
	if req.GuestCount > capacity {
		return &domain.CapacityError{UnitID: req.UnitID, Requested: req.GuestCount, MaxAllowed: capacity}
	}

	for _, b := range g.blackouts {
		if b.unitID != "" && b.unitID != req.UnitID {
			continue
		}
		if b.rng.Overlaps(r) {
			reason := b.reason
			if reason == "" {
				reason = "dates are closed"
			}
			return domain.NewValidationError("check_in", fmt.Sprintf("blackout %s: %s", b.rng, reason))
		}
	}
	return nil
}

// Reserve validates req and claims its nights as a tentative internal
// interval. When reservationID is set the reservation moves to RESERVED in
// the same transaction.
func (g *ConflictGuard) Reserve(ctx context.Context, req models.ReservationRequest, reservationID string, holdDeadline time.Time) (*models.Interval, error) {
	if err := g.Validate(ctx, req); err != nil {
		return nil, err
	}
	return g.claim(ctx, req, reservationID, holdDeadline)
}

func (g *ConflictGuard) claim(ctx context.Context, req models.ReservationRequest, reservationID string, holdDeadline time.Time) (*models.Interval, error) {
	iv, err := g.store.TryReserve(ctx, models.ReserveRequest{
		UnitID:        req.UnitID,
		Range:         req.Range(),
		Source:        models.SourceInternal,
		Status:        models.IntervalTentative,
		Reference:     reservationID,
		ReservationID: reservationID,
		HoldDeadline:  holdDeadline,
	})
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			for _, s := range conflict.Sources() {
				metrics.IncConflict(string(s))
			}
			g.logger.Info().
				Str("unit_id", req.UnitID).
				Str("range", req.Range().String()).
				Interface("sources", conflict.Sources()).
				Msg("Reservation rejected by conflict")
		}
		return nil, err
	}
	return iv, nil
}
