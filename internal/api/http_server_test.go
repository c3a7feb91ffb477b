package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"staysync/internal/channelsync"
	"staysync/internal/config"
	"staysync/internal/database"
	"staysync/internal/domain"
	"staysync/internal/events"
	"staysync/internal/ics"
	"staysync/internal/models"
	"staysync/internal/repository"
	"staysync/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) ForceSync(ctx context.Context, unitID string, channel models.Source) (channelsync.PassResult, error) {
	args := m.Called(unitID, channel)
	return args.Get(0).(channelsync.PassResult), args.Error(1)
}

func (m *mockSyncer) Health(ctx context.Context) ([]models.ChannelHealth, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChannelHealth), args.Error(1)
}

type testAPI struct {
	db     *database.DB
	syncer *mockSyncer
	server *HTTPServer
	ts     *httptest.Server
}

func newTestAPI(t *testing.T, cfg config.APIConfig, ready func(context.Context) error) *testAPI {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog := service.NewCatalogService([]models.Unit{
		{ID: "u1", Name: "Loft", Capacity: 4},
		{ID: "u2", Name: "Cabin", Capacity: 2},
	}, &logger)
	guard, err := service.NewConflictGuard(db, catalog, config.ReservationsConfig{}, &logger)
	require.NoError(t, err)

	reservations := service.NewReservationService(guard, db, repository.NewMemoryIdempotencyCache(), nil,
		events.NewEventBus(), service.ReservationOptions{HoldTimeout: 15 * time.Minute}, &logger)
	syncer := &mockSyncer{}

	srv := NewHTTPServer(cfg, Services{
		Reservations: reservations,
		Projector:    service.NewProjector(db, db, config.CalendarConfig{}),
		Operator:     service.NewOperatorService(db, db, catalog, syncer, &logger),
		Catalog:      catalog,
		Store:        db,
		Ready:        ready,
		Now:          func() time.Time { return testNow },
	}, &logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testAPI{db: db, syncer: syncer, server: srv, ts: ts}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func reservationBody(unit, in, out string, guests int, key string) map[string]any {
	return map[string]any{
		"unit_id":         unit,
		"check_in":        in,
		"check_out":       out,
		"guests":          guests,
		"idempotency_key": key,
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	resp := api.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestReadyz(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, func(context.Context) error { return nil })
	if resp := api.do(t, http.MethodGet, "/readyz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestReadyz_DBFail(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, func(context.Context) error { return errors.New("database is locked") })
	if resp := api.do(t, http.MethodGet, "/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestCreateReservation(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-10", "2026-03-13", 2, "k-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[reservationResponse](t, resp)
	assert.Equal(t, models.StateReserved, body.Status)
	assert.NotEmpty(t, body.ReservationID)
	assert.NotNil(t, body.HoldDeadline)

	t.Run("Replay", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-10", "2026-03-13", 2, "k-1"))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, body.ReservationID, decode[reservationResponse](t, resp).ReservationID)
	})

	t.Run("Conflict", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-12", "2026-03-15", 1, "k-2"))
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		rejected := decode[reservationResponse](t, resp)
		assert.Equal(t, models.StateRejected, rejected.Status)
		assert.Equal(t, "conflict", rejected.Code)
		assert.Equal(t, []models.Source{models.SourceInternal}, rejected.ConflictingSources)
		assert.NotEmpty(t, rejected.ReservationID)
	})

	t.Run("AdjacentStay", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-13", "2026-03-15", 1, "k-3"))
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("Capacity", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u2", "2026-04-01", "2026-04-03", 3, "k-4"))
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "capacity", decode[reservationResponse](t, resp).Code)
	})

	t.Run("Validation", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-04-03", "2026-04-03", 1, "k-5"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation", decode[reservationResponse](t, resp).Code)

		resp = api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "03/04/2026", "2026-04-05", 1, "k-6"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateReservation_InvalidJSON(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	resp, err := http.Post(api.ts.URL+"/api/v1/reservations", "application/json", strings.NewReader("{invalid"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestReservationLifecycle(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)

	created := decode[reservationResponse](t,
		api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-10", "2026-03-13", 2, "life-1")))
	id := created.ReservationID

	resp := api.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/payment", map[string]string{"outcome": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StateConfirmed, decode[models.Reservation](t, resp).State)

	resp = api.do(t, http.MethodGet, "/api/v1/reservations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StateConfirmed, decode[models.Reservation](t, resp).State)

	resp = api.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	other := decode[reservationResponse](t,
		api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-04-10", "2026-04-12", 1, "life-2")))
	resp = api.do(t, http.MethodPost, "/api/v1/reservations/"+other.ReservationID+"/cancel", map[string]string{"reason": "changed plans"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	released := decode[models.Reservation](t, resp)
	assert.Equal(t, models.StateReleased, released.State)
	assert.Equal(t, "changed plans", released.RejectReason)

	resp = api.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/payment", map[string]string{"outcome": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/reservations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCalendar(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-10", "2026-03-13", 2, "cal-1"))

	resp := api.do(t, http.MethodGet, "/api/v1/units/u1/calendar?from=2026-03-01&to=2026-04-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[service.CalendarView](t, resp)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "2026-03-10", view.Entries[0].Start)
	assert.Equal(t, "2026-03-13", view.Entries[0].End)
	assert.Equal(t, "Direct booking", view.Entries[0].SourceLabel)

	resp = api.do(t, http.MethodGet, "/api/v1/units/u1/calendar", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view = decode[service.CalendarView](t, resp)
	assert.Equal(t, "2026-03-01", view.From)
	assert.Equal(t, "2026-05-30", view.To)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/v1/units/u1/calendar?from=2026-04-01&to=2026-03-01", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/units/nope/calendar", nil).StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/units", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	units := decode[struct {
		Units []models.Unit `json:"units"`
	}](t, resp)
	assert.Len(t, units.Units, 2)
}

func TestCalendarICS(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-10", "2026-03-13", 2, "ics-1"))

	resp := api.do(t, http.MethodGet, "/api/v1/units/u1/calendar.ics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed, err := ics.Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, "2026-03-10", parsed.Events[0].Range.StartString())
	assert.Equal(t, "2026-03-13", parsed.Events[0].Range.EndString())
}

func TestCalendarXLSX(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-10", "2026-03-13", 2, "x-1"))

	resp := api.do(t, http.MethodGet, "/api/v1/units/u1/calendar.xlsx?from=2026-03-01&to=2026-04-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "calendar_u1_2026-03-01_to_2026-04-01.xlsx")

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close()
	unit, err := f.GetCellValue("Calendar", "A2")
	require.NoError(t, err)
	assert.Equal(t, "u1", unit)
}

func TestOperatorBlocks(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/operator/blocks",
		map[string]string{"unit_id": "u1", "start": "2026-03-10", "end": "2026-03-12", "note": "boiler"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	block := decode[models.Interval](t, resp)
	assert.Equal(t, models.SourceManualBlock, block.Source)

	resp = api.do(t, http.MethodPost, "/api/v1/reservations", reservationBody("u1", "2026-03-11", "2026-03-14", 1, "blk-1"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, []models.Source{models.SourceManualBlock}, decode[reservationResponse](t, resp).ConflictingSources)

	resp = api.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/operator/blocks/%d?version=%d", block.ID, block.Version+5), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/operator/blocks/%d", block.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.IntervalCancelled, decode[models.Interval](t, resp).Status)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodDelete, "/api/v1/operator/blocks/abc", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodDelete, "/api/v1/operator/blocks/999", nil).StatusCode)
}

func TestOperatorChannels(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	api.syncer.On("Health").Return([]models.ChannelHealth{
		{UnitID: "u1", Channel: models.SourceChannelA, Degraded: true, FailureCount: 5},
	}, nil).Once()
	api.syncer.On("ForceSync", "u1", models.SourceChannelA).
		Return(channelsync.PassResult{UnitID: "u1", Channel: models.SourceChannelA, Created: 2}, nil).Once()
	api.syncer.On("ForceSync", "u1", models.SourceChannelB).
		Return(channelsync.PassResult{}, channelsync.ErrPassInProgress).Once()

	resp := api.do(t, http.MethodGet, "/api/v1/operator/channels", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	channels := decode[struct {
		Channels []models.ChannelHealth `json:"channels"`
	}](t, resp)
	require.Len(t, channels.Channels, 1)
	assert.True(t, channels.Channels[0].Degraded)

	resp = api.do(t, http.MethodPost, "/api/v1/operator/channels/u1/channel_a/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pass := decode[syncPassResponse](t, resp)
	assert.Equal(t, 2, pass.Created)
	assert.NotNil(t, pass.Anomalies)

	resp = api.do(t, http.MethodPost, "/api/v1/operator/channels/u1/channel_b/sync", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	api.syncer.AssertExpectations(t)
}

func TestOperatorAnomalies(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	ctx := context.Background()
	rng, err := models.ParseDateRange("2026-03-10", "2026-03-12")
	require.NoError(t, err)
	anomaly := &models.SyncAnomaly{
		UnitID:             "u1",
		Source:             models.SourceChannelB,
		ExternalUID:        "b-1",
		Range:              rng,
		ConflictingSources: []models.Source{models.SourceChannelA},
		DetectedAt:         testNow,
	}
	require.NoError(t, api.db.RecordAnomaly(ctx, anomaly))

	resp := api.do(t, http.MethodGet, "/api/v1/operator/anomalies?unit_id=u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Anomalies []models.SyncAnomaly `json:"anomalies"`
	}](t, resp)
	require.Len(t, list.Anomalies, 1)

	id := list.Anomalies[0].ID
	resp = api.do(t, http.MethodPost, fmt.Sprintf("/api/v1/operator/anomalies/%d/resolve", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodPost, fmt.Sprintf("/api/v1/operator/anomalies/%d/resolve", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/operator/anomalies", nil)
	list = decode[struct {
		Anomalies []models.SyncAnomaly `json:"anomalies"`
	}](t, resp)
	assert.Empty(t, list.Anomalies)
}

func TestAuth(t *testing.T) {
	cfg := config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "booker", Extra: "secret", Permissions: []string{"read:calendar", "write:reservations"}},
				{Key: "ops", Extra: "secret"},
			},
		},
	}
	api := newTestAPI(t, cfg, nil)

	call := func(method, path, key string) int {
		req, _ := http.NewRequest(method, api.ts.URL+path, nil)
		if key != "" {
			req.Header.Set("x-api-key", key)
			req.Header.Set("x-api-extra", "secret")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := call(http.MethodGet, "/api/v1/units", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", code)
	}
	if code := call(http.MethodGet, "/api/v1/units", "booker"); code != http.StatusOK {
		t.Fatalf("expected 200 for booker, got %d", code)
	}
	if code := call(http.MethodGet, "/api/v1/operator/channels", "booker"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for booker on operator route, got %d", code)
	}
	api.syncer.On("Health").Return([]models.ChannelHealth{}, nil)
	if code := call(http.MethodGet, "/api/v1/operator/channels", "ops"); code != http.StatusOK {
		t.Fatalf("expected 200 for allow-all key, got %d", code)
	}
	if code := call(http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("expected probes to skip auth, got %d", code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Enabled:   true,
		HTTP:      config.APIHTTPConfig{Enabled: true},
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1},
	}
	api := newTestAPI(t, cfg, nil)

	if resp := api.do(t, http.MethodGet, "/api/v1/units", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}
	if resp := api.do(t, http.MethodGet, "/api/v1/units", nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, nil)
	if resp := api.do(t, http.MethodPut, "/api/v1/reservations", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.NewValidationError("x", "bad"), http.StatusBadRequest, "validation"},
		{&domain.CapacityError{UnitID: "u1", Requested: 5, MaxAllowed: 4}, http.StatusUnprocessableEntity, "capacity"},
		{fmt.Errorf("wrapped: %w", &domain.ConflictError{UnitID: "u1"}), http.StatusConflict, "conflict"},
		{fmt.Errorf("reservation r: %w", domain.ErrNotFound), http.StatusNotFound, "not_found"},
		{domain.ErrHoldExpired, http.StatusConflict, "hold_expired"},
		{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{domain.ErrStaleVersion, http.StatusConflict, "stale_version"},
		{domain.ErrRequestInProgress, http.StatusConflict, "in_progress"},
		{&domain.ChannelFetchError{UnitID: "u1", Err: errors.New("eof")}, http.StatusBadGateway, "channel_fetch"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestHTTPServer_StartStop(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewHTTPServer(config.APIConfig{HTTP: config.APIHTTPConfig{Port: 0}}, Services{}, &logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("start returned error: %v", err)
	}
}
