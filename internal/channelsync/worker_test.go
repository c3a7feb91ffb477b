package channelsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"staysync/internal/database"
	"staysync/internal/domain"
	"staysync/internal/events"
	"staysync/internal/ics"
	"staysync/internal/models"
	"staysync/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	etag  string
	err   error
	calls int
	prev  ics.Validators
}

func (f *fakeFetcher) set(body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.err = body, err
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, prev ics.Validators) (ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prev = prev
	if f.err != nil {
		return ics.FetchResult{}, f.err
	}
	if f.etag != "" && prev.ETag == f.etag {
		return ics.FetchResult{StatusCode: http.StatusNotModified, NotModified: true, Validators: prev}, nil
	}
	body := []byte(f.body)
	return ics.FetchResult{
		StatusCode:  http.StatusOK,
		Body:        body,
		Fingerprint: ics.Fingerprint(body),
		Validators:  ics.Validators{ETag: f.etag},
	}, nil
}

type healthRecorder struct {
	mu      sync.Mutex
	serving map[string]bool
}

func (h *healthRecorder) SetChannelHealth(unitID string, channel models.Source, serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.serving == nil {
		h.serving = make(map[string]bool)
	}
	h.serving[unitID+"/"+string(channel)] = serving
}

type fixture struct {
	db      *database.DB
	fetcher *fakeFetcher
	bus     *events.EventBus
	worker  *Worker
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, fetcher: &fakeFetcher{}, bus: events.NewEventBus(), now: testNow}
	f.worker = NewWorker(db, db, db, f.fetcher, f.bus, Options{
		Interval:      15 * time.Minute,
		DegradedAfter: 2,
		Backoff:       worker.RetryPolicy{InitialDelay: time.Minute, MaxDelay: time.Hour},
		Now:           func() time.Time { return f.now },
		JitterFunc:    func(time.Duration) time.Duration { return 0 },
	}, &logger)

	require.NoError(t, db.SeedCursor(context.Background(), &models.SyncCursor{
		UnitID:     "u1",
		Channel:    models.SourceChannelA,
		FeedURL:    "https://a.example.com/u1.ics",
		NextSyncAt: testNow,
	}))
	return f
}

func (f *fixture) cursor(t *testing.T) models.SyncCursor {
	t.Helper()
	c, err := f.db.GetCursor(context.Background(), "u1", models.SourceChannelA)
	require.NoError(t, err)
	return *c
}

func (f *fixture) sync(t *testing.T) (PassResult, error) {
	t.Helper()
	return f.worker.Sync(context.Background(), f.cursor(t))
}

func dr(t *testing.T, start, end string) models.DateRange {
	t.Helper()
	r, err := models.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

func vevent(uid, start, end string) string {
	return "BEGIN:VEVENT\nUID:" + uid + "\nDTSTART;VALUE=DATE:" + start + "\nDTEND;VALUE=DATE:" + end + "\nSUMMARY:Reserved\nEND:VEVENT\n"
}

func feed(events ...string) string {
	s := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//Channel A//EN\n" + strings.Join(events, "") + "END:VCALENDAR\n"
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func TestSync_IdenticalFeedMakesNoWrites(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(feed(vevent("a1", "20260310", "20260313"), vevent("a2", "20260320", "20260322")), nil)

	res, err := f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, testNow.Add(15*time.Minute), res.NextSyncAt)
	written := f.db.MutationCount()

	res, err = f.sync(t)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Equal(t, written, f.db.MutationCount())

	// without the fingerprint the feed is re-read and still yields no writes
	c := f.cursor(t)
	c.Fingerprint = ""
	require.NoError(t, f.db.SaveCursor(context.Background(), &c))

	res, err = f.sync(t)
	require.NoError(t, err)
	assert.False(t, res.NotModified)
	assert.Zero(t, res.Created+res.Updated+res.Cancelled)
	assert.Equal(t, written, f.db.MutationCount())
}

func TestSync_WindowMoveRereadsUnchangedFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.etag = `"v1"`
	// beyond the first window, which ends 2027-03-01
	f.fetcher.set(feed(vevent("far", "20270405", "20270410")), nil)

	res, err := f.sync(t)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, "2026-03-01", f.cursor(t).WindowStart)

	res, err = f.sync(t)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Equal(t, `"v1"`, f.fetcher.prev.ETag)

	f.now = testNow.AddDate(0, 2, 0)
	res, err = f.sync(t)
	require.NoError(t, err)
	assert.False(t, res.NotModified)
	assert.Empty(t, f.fetcher.prev.ETag)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, "2026-05-01", f.cursor(t).WindowStart)

	list, err := f.db.ListIntervalsBySource(ctx, "u1", models.SourceChannelA)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2027-04-05", list[0].Range.StartString())

	_, err = f.db.TryReserve(ctx, models.ReserveRequest{UnitID: "u1", Range: dr(t, "2027-04-06", "2027-04-08")})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	res, err = f.sync(t)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
}

func TestSync_ChangesAndRemovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.set(feed(vevent("a1", "20260310", "20260313"), vevent("a2", "20260320", "20260322")), nil)
	_, err := f.sync(t)
	require.NoError(t, err)

	f.fetcher.set(feed(vevent("a1", "20260311", "20260314")), nil)
	res, err := f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Cancelled)

	active, err := f.db.ListIntervalsBySource(ctx, "u1", models.SourceChannelA)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a1", active[0].ExternalUID)
	assert.Equal(t, dr(t, "2026-03-11", "2026-03-14"), active[0].Range)
	assert.Equal(t, int64(2), active[0].Version)

	// a removed event that comes back reuses its row
	f.fetcher.set(feed(vevent("a1", "20260311", "20260314"), vevent("a2", "20260320", "20260322")), nil)
	res, err = f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	all, err := f.db.ListIntervals(ctx, "u1", dr(t, "2026-03-01", "2026-04-01"))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSync_MalformedEventsAreSkipped(t *testing.T) {
	f := newFixture(t)
	broken := "BEGIN:VEVENT\nUID:broken\nSUMMARY:no start\nEND:VEVENT\n"
	cancelled := "BEGIN:VEVENT\nUID:gone\nDTSTART;VALUE=DATE:20260401\nDTEND;VALUE=DATE:20260403\nSTATUS:CANCELLED\nEND:VEVENT\n"
	f.fetcher.set(feed(broken, cancelled, vevent("ok", "20260310", "20260312")), nil)

	res, err := f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Skipped)

	c := f.cursor(t)
	assert.Zero(t, c.ConsecutiveFailures)
	assert.NotEmpty(t, c.Fingerprint)
}

func TestSync_PastIntervalsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.UpsertInterval(ctx, models.UpsertRequest{
		UnitID: "u1", Source: models.SourceChannelA, ExternalUID: "old",
		Range: dr(t, "2026-02-10", "2026-02-12"), Status: models.IntervalConfirmed,
	})
	require.NoError(t, err)

	f.fetcher.set(feed(vevent("new", "20260310", "20260312")), nil)
	res, err := f.sync(t)
	require.NoError(t, err)
	assert.Zero(t, res.Cancelled)

	active, err := f.db.ListIntervalsBySource(ctx, "u1", models.SourceChannelA)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestSync_ConflictRecordsAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var published []events.SyncEventPayload
	f.bus.Subscribe(func(e *events.Event) error {
		var p events.SyncEventPayload
		require.NoError(t, e.Decode(&p))
		mu.Lock()
		published = append(published, p)
		mu.Unlock()
		return nil
	}, models.EventSyncAnomaly)

	internal, err := f.db.TryReserve(ctx, models.ReserveRequest{UnitID: "u1", Range: dr(t, "2026-03-10", "2026-03-13")})
	require.NoError(t, err)

	f.fetcher.set(feed(vevent("clash", "20260312", "20260314"), vevent("free", "20260320", "20260322")), nil)
	res, err := f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, []models.Source{models.SourceInternal}, res.Anomalies[0].ConflictingSources)
	assert.Equal(t, []int64{internal.ID}, res.Anomalies[0].ConflictingIDs)

	mu.Lock()
	require.Len(t, published, 1)
	assert.Equal(t, "clash", published[0].ExternalUID)
	mu.Unlock()

	open, err := f.db.ListOpenAnomalies(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, open, 1)

	// the internal hold stays, and the pass is retried with a full read
	got, err := f.db.GetInterval(ctx, internal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntervalTentative, got.Status)
	assert.Empty(t, f.cursor(t).Fingerprint)

	// once the nights free up the claim lands and the anomaly closes
	_, err = f.db.CancelInterval(ctx, internal.ID, internal.Version)
	require.NoError(t, err)

	res, err = f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Resolved)
	assert.Empty(t, res.Anomalies)

	open, err = f.db.ListOpenAnomalies(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.NotEmpty(t, f.cursor(t).Fingerprint)
}

func TestSync_FailuresBackOffAndDegrade(t *testing.T) {
	f := newFixture(t)
	health := &healthRecorder{}
	f.worker.SetHealthReporter(health)

	degraded := 0
	f.bus.Subscribe(func(*events.Event) error { degraded++; return nil }, models.EventChannelDegraded)

	f.fetcher.set("", &ics.StatusError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"})

	_, err := f.sync(t)
	var fetchErr *domain.ChannelFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)

	c := f.cursor(t)
	assert.Equal(t, 1, c.ConsecutiveFailures)
	assert.False(t, c.Degraded)
	assert.WithinDuration(t, testNow.Add(time.Minute), c.NextSyncAt, time.Second)
	assert.Contains(t, c.LastError, "503")

	_, err = f.sync(t)
	require.Error(t, err)
	c = f.cursor(t)
	assert.Equal(t, 2, c.ConsecutiveFailures)
	assert.True(t, c.Degraded)
	assert.WithinDuration(t, testNow.Add(2*time.Minute), c.NextSyncAt, time.Second)
	assert.False(t, health.serving["u1/channel_a"])
	assert.Equal(t, 1, degraded)

	// further failures do not re-announce degradation
	_, err = f.sync(t)
	require.Error(t, err)
	assert.Equal(t, 1, degraded)

	f.fetcher.set(feed(vevent("a1", "20260310", "20260313")), nil)
	res, err := f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	c = f.cursor(t)
	assert.Zero(t, c.ConsecutiveFailures)
	assert.False(t, c.Degraded)
	assert.Empty(t, c.LastError)
	assert.True(t, health.serving["u1/channel_a"])
}

func TestSync_ParseFailureIsFetchError(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set("<html>login required</html>", nil)

	_, err := f.sync(t)
	var fetchErr *domain.ChannelFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Zero(t, fetchErr.StatusCode)
	assert.Equal(t, 1, f.cursor(t).ConsecutiveFailures)
}

type blockingFetcher struct {
	release chan struct{}
	entered chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, _ string, _ ics.Validators) (ics.FetchResult, error) {
	close(b.entered)
	<-b.release
	return ics.FetchResult{}, errors.New("released")
}

func TestSync_SingleFlightPerCursor(t *testing.T) {
	f := newFixture(t)
	bf := &blockingFetcher{release: make(chan struct{}), entered: make(chan struct{})}
	f.worker.fetcher = bf

	c := f.cursor(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.worker.Sync(context.Background(), c)
	}()
	<-bf.entered

	_, err := f.worker.Sync(context.Background(), c)
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(bf.release)
	<-done
}

func TestWindow(t *testing.T) {
	f := newFixture(t)
	w := f.worker.Window()
	assert.Equal(t, dr(t, "2026-03-01", "2027-03-01"), w)
}
