package channelsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"staysync/internal/domain"
	"staysync/internal/events"
	"staysync/internal/ics"
	"staysync/internal/logging"
	"staysync/internal/metrics"
	"staysync/internal/models"
	"staysync/internal/worker"

	"github.com/rs/zerolog"
)

// ErrPassInProgress is returned when a pass for the same cursor is running.
var ErrPassInProgress = errors.New("sync pass already running for this channel")

// FeedFetcher performs conditional feed downloads.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string, prev ics.Validators) (ics.FetchResult, error)
}

// HealthReporter is told when a channel changes between serving and degraded.
type HealthReporter interface {
	SetChannelHealth(unitID string, channel models.Source, serving bool)
}

type Options struct {
	Interval       time.Duration
	Jitter         time.Duration
	Horizon        time.Duration
	DegradedAfter  int
	Backoff        worker.RetryPolicy
	MaxOccurrences int
	Now            func() time.Time
	JitterFunc     func(max time.Duration) time.Duration
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = models.DefaultSyncInterval
	}
	if o.Horizon <= 0 {
		o.Horizon = models.DefaultSyncHorizon
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = models.DefaultDegradedAfter
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff.InitialDelay = time.Minute
	}
	if o.Backoff.MaxDelay <= 0 {
		o.Backoff.MaxDelay = 6 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.JitterFunc == nil {
		o.JitterFunc = worker.Jitter
	}
}

// PassResult summarizes one reconciliation pass of a (unit, channel) feed.
type PassResult struct {
	UnitID      string
	Channel     models.Source
	NotModified bool
	Created     int
	Updated     int
	Cancelled   int
	Failed      int
	Skipped     int
	Anomalies   []models.SyncAnomaly
	Resolved    int
	NextSyncAt  time.Time
}

// Worker reconciles channel feeds into the calendar store.
type Worker struct {
	store     domain.CalendarStore
	cursors   domain.CursorRepository
	anomalies domain.AnomalyRepository
	fetcher   FeedFetcher
	events    domain.EventPublisher
	health    HealthReporter
	opts      Options
	logger    *zerolog.Logger

	inflight sync.Map
}

func NewWorker(
	store domain.CalendarStore,
	cursors domain.CursorRepository,
	anomalies domain.AnomalyRepository,
	fetcher FeedFetcher,
	publisher domain.EventPublisher,
	opts Options,
	logger *zerolog.Logger,
) *Worker {
	opts.applyDefaults()
	return &Worker{
		store:     store,
		cursors:   cursors,
		anomalies: anomalies,
		fetcher:   fetcher,
		events:    publisher,
		opts:      opts,
		logger:    logging.Component(logger, "channel_sync"),
	}
}

func (w *Worker) SetHealthReporter(r HealthReporter) {
	w.health = r
}

// Window is the range of nights a pass reconciles: today up to the horizon.
// Intervals entirely in the past are never touched.
func (w *Worker) Window() models.DateRange {
	today := models.TruncateDate(w.opts.Now().UTC())
	end := models.TruncateDate(today.Add(w.opts.Horizon))
	if !end.After(today) {
		end = today.AddDate(0, 0, 1)
	}
	return models.DateRange{Start: today, End: end}
}

// Sync runs one pass for the cursor regardless of its schedule.
func (w *Worker) Sync(ctx context.Context, cursor models.SyncCursor) (PassResult, error) {
	key := cursor.UnitID + "/" + string(cursor.Channel)
	if _, busy := w.inflight.LoadOrStore(key, struct{}{}); busy {
		return PassResult{UnitID: cursor.UnitID, Channel: cursor.Channel}, ErrPassInProgress
	}
	defer w.inflight.Delete(key)

	start := time.Now()
	res, err := w.sync(ctx, &cursor)
	channel := string(cursor.Channel)
	switch {
	case err != nil:
		metrics.ObserveSyncPass(channel, "error", time.Since(start))
	case res.NotModified:
		metrics.ObserveSyncPass(channel, "not_modified", time.Since(start))
	case res.Created+res.Updated+res.Cancelled == 0:
		metrics.ObserveSyncPass(channel, "unchanged", time.Since(start))
	default:
		metrics.ObserveSyncPass(channel, "ok", time.Since(start))
	}
	return res, err
}

func (w *Worker) sync(ctx context.Context, cursor *models.SyncCursor) (PassResult, error) {
	res := PassResult{UnitID: cursor.UnitID, Channel: cursor.Channel}
	now := w.opts.Now()
	cursor.LastAttemptAt = &now

	log := w.logger.With().
		Str("unit_id", cursor.UnitID).
		Str("channel", string(cursor.Channel)).
		Logger()

	// Events are only stored inside the window, so once it moves the feed
	// must be re-read in full even when the channel reports no change.
	window := w.Window()
	sameWindow := cursor.WindowStart == window.StartString()
	prev := ics.Validators{}
	if sameWindow {
		prev = ics.Validators{ETag: cursor.ETag, LastModified: cursor.LastModified}
	}

	fetched, err := w.fetcher.Fetch(ctx, cursor.FeedURL, prev)
	if err != nil {
		fetchErr := &domain.ChannelFetchError{UnitID: cursor.UnitID, Channel: cursor.Channel, Err: err}
		var statusErr *ics.StatusError
		if errors.As(err, &statusErr) {
			fetchErr.StatusCode = statusErr.StatusCode
		}
		return w.fail(ctx, cursor, res, fetchErr)
	}

	if fetched.NotModified {
		res.NotModified = true
		log.Debug().Msg("Feed not modified")
		return w.succeed(ctx, cursor, res, fetched.Validators, cursor.Fingerprint)
	}
	if sameWindow && cursor.Fingerprint != "" && fetched.Fingerprint == cursor.Fingerprint {
		res.NotModified = true
		log.Debug().Msg("Feed body unchanged")
		return w.succeed(ctx, cursor, res, fetched.Validators, cursor.Fingerprint)
	}

	parsed, err := ics.Parse(fetched.Body)
	if err != nil {
		return w.fail(ctx, cursor, res, &domain.ChannelFetchError{UnitID: cursor.UnitID, Channel: cursor.Channel, Err: err})
	}
	for _, sk := range parsed.Skipped {
		log.Warn().Str("uid", sk.UID).Err(sk.Reason).Msg("Skipping malformed event")
	}

	expanded, err := ics.Expand(parsed.Events, window, w.opts.MaxOccurrences)
	if err != nil {
		return w.fail(ctx, cursor, res, &domain.ChannelFetchError{UnitID: cursor.UnitID, Channel: cursor.Channel, Err: err})
	}
	for _, sk := range expanded.Skipped {
		log.Warn().Str("uid", sk.UID).Err(sk.Reason).Msg("Skipping event")
	}
	for _, uid := range expanded.Truncated {
		log.Warn().Str("uid", uid).Msg("Recurring event truncated at occurrence cap")
	}
	res.Skipped = len(parsed.Skipped) + len(expanded.Skipped)

	existing, err := w.store.ListIntervalsBySource(ctx, cursor.UnitID, cursor.Channel)
	if err != nil {
		return w.fail(ctx, cursor, res, fmt.Errorf("load channel intervals: %w", err))
	}

	mutations := Diff(cursor.UnitID, cursor.Channel, expanded.Candidates, existing, window)
	clean := true
	blocked := make(map[string]bool)

	if len(mutations) > 0 {
		results, err := w.store.ApplyBatch(ctx, cursor.UnitID, mutations)
		if err != nil {
			return w.fail(ctx, cursor, res, fmt.Errorf("apply sync batch: %w", err))
		}

		for _, r := range results {
			uid := mutationUID(r.Mutation, existing)
			var conflict *domain.ConflictError
			switch {
			case errors.As(r.Err, &conflict):
				clean = false
				blocked[uid] = true
				anomaly := w.recordAnomaly(ctx, cursor, r.Mutation.Upsert, conflict)
				if anomaly != nil {
					res.Anomalies = append(res.Anomalies, *anomaly)
				}
			case r.Err != nil:
				clean = false
				blocked[uid] = true
				res.Failed++
				log.Warn().Str("uid", uid).Err(r.Err).Msg("Sync mutation failed")
			default:
				switch r.Outcome {
				case models.OutcomeCreated:
					res.Created++
				case models.OutcomeUpdated:
					res.Updated++
				case models.OutcomeCancelled:
					res.Cancelled++
				}
			}
		}
		channel := string(cursor.Channel)
		metrics.AddSyncMutations(channel, string(models.OutcomeCreated), res.Created)
		metrics.AddSyncMutations(channel, string(models.OutcomeUpdated), res.Updated)
		metrics.AddSyncMutations(channel, string(models.OutcomeCancelled), res.Cancelled)
	}

	resolved, err := w.resolveApplied(ctx, cursor, blocked)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve anomalies")
		clean = false
	}
	res.Resolved = resolved

	log.Info().
		Int("candidates", len(expanded.Candidates)).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("cancelled", res.Cancelled).
		Int("anomalies", len(res.Anomalies)).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("Channel reconciled")

	validators, fingerprint := fetched.Validators, fetched.Fingerprint
	if !clean {
		// force a full re-read next pass so blocked claims are retried
		validators, fingerprint = ics.Validators{}, ""
	}
	cursor.WindowStart = window.StartString()
	return w.succeed(ctx, cursor, res, validators, fingerprint)
}

// resolveApplied closes open anomalies of this channel whose claim is no
// longer blocked: the claim was applied, or it left the feed.
func (w *Worker) resolveApplied(ctx context.Context, cursor *models.SyncCursor, blocked map[string]bool) (int, error) {
	open, err := w.anomalies.ListOpenAnomalies(ctx, cursor.UnitID)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, a := range open {
		if a.Source != cursor.Channel || blocked[a.ExternalUID] {
			continue
		}
		n, err := w.anomalies.ResolveAnomaliesForKey(ctx, a.UnitID, a.Source, a.ExternalUID)
		if err != nil {
			return resolved, err
		}
		resolved += int(n)
	}
	return resolved, nil
}

func (w *Worker) recordAnomaly(ctx context.Context, cursor *models.SyncCursor, up models.UpsertRequest, conflict *domain.ConflictError) *models.SyncAnomaly {
	anomaly := &models.SyncAnomaly{
		UnitID:             cursor.UnitID,
		Source:             cursor.Channel,
		ExternalUID:        up.ExternalUID,
		Range:              up.Range,
		Summary:            up.Reference,
		ConflictingIDs:     conflict.IDs(),
		ConflictingSources: conflict.Sources(),
	}
	if err := w.anomalies.RecordAnomaly(ctx, anomaly); err != nil {
		w.logger.Error().Err(err).Str("uid", up.ExternalUID).Msg("Failed to record sync anomaly")
		return nil
	}

	w.logger.Warn().
		Str("unit_id", cursor.UnitID).
		Str("channel", string(cursor.Channel)).
		Str("uid", up.ExternalUID).
		Str("range", up.Range.String()).
		Err(&domain.SyncAnomalyWarning{Anomaly: *anomaly}).
		Msg("Channel claim collides with an active interval")
	metrics.IncAnomaly(string(cursor.Channel))

	sources := make([]string, 0, len(anomaly.ConflictingSources))
	for _, s := range anomaly.ConflictingSources {
		sources = append(sources, string(s))
	}
	_ = w.publish(models.EventSyncAnomaly, events.SyncEventPayload{
		UnitID:      anomaly.UnitID,
		Channel:     string(anomaly.Source),
		ExternalUID: anomaly.ExternalUID,
		CheckIn:     anomaly.Range.StartString(),
		CheckOut:    anomaly.Range.EndString(),
		Conflicting: sources,
		OccurredAt:  w.opts.Now(),
	})
	return anomaly
}

func (w *Worker) succeed(ctx context.Context, cursor *models.SyncCursor, res PassResult, v ics.Validators, fingerprint string) (PassResult, error) {
	now := w.opts.Now()
	wasDegraded := cursor.Degraded

	cursor.ETag = v.ETag
	cursor.LastModified = v.LastModified
	cursor.Fingerprint = fingerprint
	cursor.LastSuccessAt = &now
	cursor.ConsecutiveFailures = 0
	cursor.Degraded = false
	cursor.LastError = ""
	cursor.NextSyncAt = now.Add(w.opts.Interval + w.opts.JitterFunc(w.opts.Jitter))
	res.NextSyncAt = cursor.NextSyncAt

	if err := w.cursors.SaveCursor(ctx, cursor); err != nil {
		return res, fmt.Errorf("save sync cursor: %w", err)
	}
	if wasDegraded {
		w.logger.Info().Str("unit_id", cursor.UnitID).Str("channel", string(cursor.Channel)).Msg("Channel recovered")
		metrics.SetDegraded(cursor.UnitID, string(cursor.Channel), false)
	}
	w.reportHealth(cursor)
	return res, nil
}

// fail records a failed attempt and backs off. The cursor is skipped by
// scheduled passes until NextSyncAt.
func (w *Worker) fail(ctx context.Context, cursor *models.SyncCursor, res PassResult, cause error) (PassResult, error) {
	now := w.opts.Now()
	cursor.ConsecutiveFailures++
	cursor.LastError = cause.Error()
	cursor.NextSyncAt = now.Add(w.opts.Backoff.NextDelay(cursor.ConsecutiveFailures))
	res.NextSyncAt = cursor.NextSyncAt

	becameDegraded := !cursor.Degraded && cursor.ConsecutiveFailures >= w.opts.DegradedAfter
	if becameDegraded {
		cursor.Degraded = true
	}

	w.logger.Warn().
		Str("unit_id", cursor.UnitID).
		Str("channel", string(cursor.Channel)).
		Str("feed", ics.RedactURL(cursor.FeedURL)).
		Int("failures", cursor.ConsecutiveFailures).
		Time("next_sync_at", cursor.NextSyncAt).
		Err(cause).
		Msg("Channel sync failed")

	if err := w.cursors.SaveCursor(ctx, cursor); err != nil {
		w.logger.Error().Err(err).Msg("Failed to save sync cursor")
	}

	if becameDegraded {
		w.logger.Error().
			Str("unit_id", cursor.UnitID).
			Str("channel", string(cursor.Channel)).
			Int("failures", cursor.ConsecutiveFailures).
			Msg("Channel marked degraded")
		metrics.SetDegraded(cursor.UnitID, string(cursor.Channel), true)
		_ = w.publish(models.EventChannelDegraded, events.SyncEventPayload{
			UnitID:     cursor.UnitID,
			Channel:    string(cursor.Channel),
			Failures:   cursor.ConsecutiveFailures,
			LastError:  cursor.LastError,
			OccurredAt: now,
		})
	}
	w.reportHealth(cursor)
	return res, cause
}

func (w *Worker) reportHealth(cursor *models.SyncCursor) {
	if w.health != nil {
		w.health.SetChannelHealth(cursor.UnitID, cursor.Channel, !cursor.Degraded)
	}
}

func (w *Worker) publish(eventType string, payload interface{}) error {
	if w.events == nil {
		return nil
	}
	if err := w.events.PublishJSON(eventType, payload); err != nil {
		w.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
		return err
	}
	return nil
}

func mutationUID(m models.Mutation, existing []models.Interval) string {
	if m.Kind == models.MutationUpsert {
		return m.Upsert.ExternalUID
	}
	for _, iv := range existing {
		if iv.ID == m.IntervalID {
			return iv.ExternalUID
		}
	}
	return ""
}
