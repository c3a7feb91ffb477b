package service

import (
	"sync"
	"testing"
	"time"

	"staysync/internal/config"
	"staysync/internal/database"
	"staysync/internal/domain"
	"staysync/internal/events"
	"staysync/internal/models"
	"staysync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) record(e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
	return nil
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.types...)
}

type env struct {
	db       *database.DB
	catalog  *CatalogService
	guard    *ConflictGuard
	cache    *repository.MemoryIdempotencyCache
	bus      *events.EventBus
	events   *eventLog
	clock    *testClock
	logger   *zerolog.Logger
	reserver *ReservationService
}

func newEnv(t *testing.T, cfg config.ReservationsConfig) *env {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog := NewCatalogService([]models.Unit{
		{ID: "u1", Name: "Loft", Capacity: 4},
		{ID: "u2", Name: "Cabin", Capacity: 2},
		{ID: "u3", Name: "Closed", Capacity: 2, Disabled: true},
	}, &logger)
	guard, err := NewConflictGuard(db, catalog, cfg, &logger)
	require.NoError(t, err)

	e := &env{
		db:      db,
		catalog: catalog,
		guard:   guard,
		cache:   repository.NewMemoryIdempotencyCache(),
		bus:     events.NewEventBus(),
		events:  &eventLog{},
		clock:   &testClock{t: testStart},
		logger:  &logger,
	}
	e.bus.Subscribe(e.events.record,
		models.EventReservationReserved,
		models.EventReservationConfirmed,
		models.EventReservationRejected,
		models.EventReservationExpired,
		models.EventReservationReleased,
	)
	e.reserver = e.newReserver(nil)
	return e
}

func (e *env) newReserver(payment *mockPayment) *ReservationService {
	var gw domain.PaymentGateway
	if payment != nil {
		gw = payment
	}
	return NewReservationService(e.guard, e.db, e.cache, gw, e.bus, ReservationOptions{
		HoldTimeout: 15 * time.Minute,
		Now:         e.clock.Now,
	}, e.logger)
}

func day(t *testing.T, raw string) time.Time {
	t.Helper()
	d, err := models.ParseDate(raw)
	require.NoError(t, err)
	return d
}

func dr(t *testing.T, start, end string) models.DateRange {
	t.Helper()
	r, err := models.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

func request(t *testing.T, unit, in, out string, guests int, key string) models.ReservationRequest {
	t.Helper()
	return models.ReservationRequest{
		UnitID:         unit,
		CheckIn:        day(t, in),
		CheckOut:       day(t, out),
		GuestCount:     guests,
		IdempotencyKey: key,
	}
}
