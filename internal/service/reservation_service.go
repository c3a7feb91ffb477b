package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"staysync/internal/domain"
	"staysync/internal/events"
	"staysync/internal/logging"
	"staysync/internal/metrics"
	"staysync/internal/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type ReservationOptions struct {
	HoldTimeout    time.Duration
	RequestedTTL   time.Duration
	IdempotencyTTL time.Duration
	PaymentTimeout time.Duration
	Now            func() time.Time
}

func (o *ReservationOptions) applyDefaults() {
	if o.HoldTimeout <= 0 {
		o.HoldTimeout = models.DefaultHoldTimeout
	}
	if o.RequestedTTL <= 0 {
		o.RequestedTTL = models.DefaultRequestedTTL
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = models.DefaultIdempotencyTTL
	}
	if o.PaymentTimeout <= 0 {
		o.PaymentTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SweepResult counts what one expiry sweep changed.
type SweepResult struct {
	Expired  int `json:"expired"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

// ReservationService drives a reservation from REQUESTED to a terminal state.
// Holds are placed through the ConflictGuard, payment outcomes arrive either
// from the gateway call or from the webhook, and the sweep expires holds that
// never got one.
type ReservationService struct {
	guard   *ConflictGuard
	repo    domain.ReservationRepository
	cache   domain.IdempotencyCache
	payment domain.PaymentGateway
	events  domain.EventPublisher
	opts    ReservationOptions
	logger  *zerolog.Logger

	keyMu    sync.Mutex
	keyLocks map[string]*keyLock
	payments sync.WaitGroup
}

// keyLock is held while a request with the key is inside Request. The entry
// is dropped when the last waiter leaves.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewReservationService wires the committer. cache, payment and publisher may
// be nil: without a cache keys are deduplicated by the database alone, and
// without a gateway outcomes must come through PaymentResult.
func NewReservationService(
	guard *ConflictGuard,
	repo domain.ReservationRepository,
	cache domain.IdempotencyCache,
	payment domain.PaymentGateway,
	publisher domain.EventPublisher,
	opts ReservationOptions,
	logger *zerolog.Logger,
) *ReservationService {
	opts.applyDefaults()
	return &ReservationService{
		guard:   guard,
		repo:    repo,
		cache:   cache,
		payment: payment,
		events:  publisher,
		opts:    opts,
		logger:  logging.Component(logger, "reservations"),

		keyLocks: make(map[string]*keyLock),
	}
}

func (s *ReservationService) lockKey(key string) func() {
	s.keyMu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &keyLock{}
		s.keyLocks[key] = l
	}
	l.refs++
	s.keyMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.keyMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.keyMu.Unlock()
	}
}

func (s *ReservationService) heldKeys() int {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return len(s.keyLocks)
}

// Request places a hold for req. A rejected attempt is returned together with
// the error that rejected it.
func (s *ReservationService) Request(ctx context.Context, req models.ReservationRequest) (*models.Reservation, error) {
	if err := s.guard.Validate(ctx, req); err != nil {
		metrics.IncReservation("invalid")
		return nil, err
	}

	key := req.IdempotencyKey
	if key != "" {
		unlock := s.lockKey(key)
		defer unlock()

		prior, err := s.lookupKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if !prior.Matches(req) {
				return nil, domain.NewValidationError("idempotency_key", "already used for a different stay")
			}
			if prior.State == models.StateRequested {
				return nil, fmt.Errorf("reservation %s: %w", prior.ID, domain.ErrRequestInProgress)
			}
			metrics.IncReservation("deduplicated")
			return prior, nil
		}
	}

	r := &models.Reservation{
		ID:             uuid.NewString(),
		UnitID:         req.UnitID,
		Range:          req.Range(),
		GuestCount:     req.GuestCount,
		IdempotencyKey: key,
		State:          models.StateRequested,
	}
	if err := s.repo.InsertReservation(ctx, r); err != nil {
		return nil, err
	}
	s.rememberKey(ctx, key, r.ID)

	deadline := s.opts.Now().Add(s.opts.HoldTimeout)
	if _, err := s.guard.claim(ctx, req, r.ID, deadline); err != nil {
		return s.reject(ctx, r, err), err
	}

	reserved, err := s.repo.GetReservation(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	metrics.IncReservation(string(models.StateReserved))
	s.logger.Info().
		Str("reservation_id", reserved.ID).
		Str("unit_id", reserved.UnitID).
		Str("range", reserved.Range.String()).
		Time("hold_deadline", deadline).
		Msg("Hold placed")
	s.publish(models.EventReservationReserved, reserved)
	s.startPayment(ctx, reserved.ID)
	return reserved, nil
}

// lookupKey returns the reservation currently holding key, or nil.
func (s *ReservationService) lookupKey(ctx context.Context, key string) (*models.Reservation, error) {
	if s.cache != nil {
		id, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Idempotency cache lookup failed")
		}
		if id != "" {
			r, err := s.repo.GetReservation(ctx, id)
			switch {
			case err == nil && r.State.Holding():
				return r, nil
			case err == nil, errors.Is(err, domain.ErrNotFound):
				s.forgetKey(ctx, key)
			default:
				return nil, err
			}
		}
	}

	r, err := s.repo.GetReservationByKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.rememberKey(ctx, key, r.ID)
	return r, nil
}

func (s *ReservationService) rememberKey(ctx context.Context, key, id string) {
	if s.cache == nil || key == "" {
		return
	}
	if err := s.cache.Put(ctx, key, id, s.opts.IdempotencyTTL); err != nil {
		s.logger.Warn().Err(err).Str("reservation_id", id).Msg("Failed to cache idempotency key")
	}
}

func (s *ReservationService) forgetKey(ctx context.Context, key string) {
	if s.cache == nil || key == "" {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to drop idempotency key")
	}
}

func rejectReason(err error) string {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return conflict.Error()
	}
	return err.Error()
}

// reject moves a REQUESTED reservation to REJECTED and frees its key.
func (s *ReservationService) reject(ctx context.Context, r *models.Reservation, cause error) *models.Reservation {
	reason := rejectReason(cause)
	rejected, err := s.repo.TransitionReservation(ctx, models.Transition{
		ReservationID: r.ID,
		From:          []models.ReservationState{models.StateRequested},
		To:            models.StateRejected,
		Action:        models.IntervalKeep,
		Reason:        reason,
	})
	if err != nil {
		// the sweep rejects it later as a stale request
		s.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("Failed to reject reservation")
		r.State = models.StateRejected
		r.RejectReason = reason
		rejected = r
	}
	s.forgetKey(ctx, r.IdempotencyKey)

	metrics.IncReservation(string(models.StateRejected))
	s.logger.Info().Str("reservation_id", r.ID).Str("reason", reason).Msg("Reservation rejected")
	s.publish(models.EventReservationRejected, rejected)
	return rejected
}

// Get returns one reservation.
func (s *ReservationService) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return s.repo.GetReservation(ctx, id)
}

// Confirm turns a hold into a booking. A hold whose deadline has passed is
// expired instead and ErrHoldExpired returned.
func (s *ReservationService) Confirm(ctx context.Context, id string) (*models.Reservation, error) {
	before, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.State == models.StateConfirmed {
		return before, nil
	}

	confirmed, err := s.repo.TransitionReservation(ctx, models.Transition{
		ReservationID: id,
		From:          []models.ReservationState{models.StateReserved},
		To:            models.StateConfirmed,
		Action:        models.IntervalConfirm,
		HoldValidAt:   s.opts.Now(),
	})
	if errors.Is(err, domain.ErrHoldExpired) {
		if _, expErr := s.expire(ctx, id); expErr != nil {
			s.logger.Error().Err(expErr).Str("reservation_id", id).Msg("Failed to expire late hold")
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	metrics.IncReservation(string(models.StateConfirmed))
	s.logger.Info().Str("reservation_id", id).Msg("Reservation confirmed")
	s.publish(models.EventReservationConfirmed, confirmed)
	return confirmed, nil
}

// Release cancels a RESERVED hold on client request or payment decline.
func (s *ReservationService) Release(ctx context.Context, id, reason string) (*models.Reservation, error) {
	return s.endHold(ctx, id, models.StateReleased, reason, models.EventReservationReleased)
}

func (s *ReservationService) expire(ctx context.Context, id string) (*models.Reservation, error) {
	return s.endHold(ctx, id, models.StateExpired, "hold expired", models.EventReservationExpired)
}

func (s *ReservationService) endHold(ctx context.Context, id string, to models.ReservationState, reason, event string) (*models.Reservation, error) {
	before, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.State == to {
		return before, nil
	}

	r, err := s.repo.TransitionReservation(ctx, models.Transition{
		ReservationID: id,
		From:          []models.ReservationState{models.StateReserved},
		To:            to,
		Action:        models.IntervalCancel,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	s.forgetKey(ctx, r.IdempotencyKey)

	metrics.IncReservation(string(to))
	s.logger.Info().Str("reservation_id", id).Str("state", string(to)).Str("reason", reason).Msg("Hold ended")
	s.publish(event, r)
	return r, nil
}

// PaymentResult applies a gateway outcome.
func (s *ReservationService) PaymentResult(ctx context.Context, id string, outcome models.PaymentOutcome) (*models.Reservation, error) {
	switch outcome {
	case models.PaymentOK:
		return s.Confirm(ctx, id)
	case models.PaymentDeclined:
		return s.Release(ctx, id, "payment declined")
	default:
		return nil, domain.NewValidationError("outcome", fmt.Sprintf("unknown payment outcome %q", outcome))
	}
}

func (s *ReservationService) startPayment(ctx context.Context, id string) {
	if s.payment == nil {
		return
	}
	s.payments.Add(1)
	go func() {
		defer s.payments.Done()

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PaymentTimeout)
		defer cancel()

		outcome, err := s.payment.Confirm(pctx, id)
		if err != nil {
			// the hold stays until a webhook or the sweep ends it
			s.logger.Warn().Err(err).Str("reservation_id", id).Msg("Payment call failed")
			return
		}
		if _, err := s.PaymentResult(pctx, id, outcome); err != nil {
			s.logger.Warn().Err(err).Str("reservation_id", id).Str("outcome", string(outcome)).Msg("Payment outcome not applied")
		}
	}()
}

// Wait blocks until in-flight payment calls finish.
func (s *ReservationService) Wait() {
	s.payments.Wait()
}

// Sweep expires holds past their deadline and rejects REQUESTED rows left
// behind by a crash.
//
// A hold is expired by a RESERVED to EXPIRED transition that cancels its
// interval in the same transaction. A payment outcome racing the sweep
// either confirms first or finds the reservation EXPIRED. A failure
// on one reservation is counted and logged and the sweep moves on; the next
// tick retries it.
func (s *ReservationService) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.opts.Now()

	holds, err := s.repo.ListExpiredHolds(ctx, now)
	if err != nil {
		return res, err
	}
	for i := range holds {
		if _, err := s.expire(ctx, holds[i].ID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			res.Failed++
			s.logger.Error().Err(err).Str("reservation_id", holds[i].ID).Msg("Failed to expire hold")
			continue
		}
		res.Expired++
	}

	stale, err := s.repo.ListStaleRequested(ctx, now.Add(-s.opts.RequestedTTL))
	if err != nil {
		return res, err
	}
	for i := range stale {
		r, err := s.repo.RejectStaleRequested(ctx, stale[i].ID, "request abandoned")
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			res.Failed++
			s.logger.Error().Err(err).Str("reservation_id", stale[i].ID).Msg("Failed to reject stale request")
			continue
		}
		s.forgetKey(ctx, r.IdempotencyKey)
		metrics.IncReservation(string(models.StateRejected))
		s.publish(models.EventReservationRejected, r)
		res.Rejected++
	}

	if res.Expired > 0 || res.Rejected > 0 || res.Failed > 0 {
		s.logger.Info().
			Int("expired", res.Expired).
			Int("rejected", res.Rejected).
			Int("failed", res.Failed).
			Msg("Reservation sweep finished")
	}
	return res, nil
}

// ScheduleSweep runs Sweep on schedule.
func (s *ReservationService) ScheduleSweep(ctx context.Context, c *cron.Cron, schedule string) error {
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Reservation sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

func (s *ReservationService) publish(eventType string, r *models.Reservation) {
	if s.events == nil || r == nil {
		return
	}
	payload := events.ReservationEventPayload{
		ReservationID: r.ID,
		UnitID:        r.UnitID,
		CheckIn:       r.Range.StartString(),
		CheckOut:      r.Range.EndString(),
		GuestCount:    r.GuestCount,
		State:         string(r.State),
		Reason:        r.RejectReason,
		OccurredAt:    s.opts.Now(),
	}
	if err := s.events.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("reservation_id", r.ID).Msg("Event handler failed")
	}
}
