package channelsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"staysync/internal/config"
	"staysync/internal/domain"
	"staysync/internal/logging"
	"staysync/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs due cursors on a cron tick with bounded concurrency.
type Scheduler struct {
	worker      *Worker
	cursors     domain.CursorRepository
	schedule    string
	concurrency int
	now         func() time.Time
	logger      *zerolog.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(w *Worker, cursors domain.CursorRepository, cfg config.SyncConfig, logger *zerolog.Logger) *Scheduler {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		worker:      w,
		cursors:     cursors,
		schedule:    schedule,
		concurrency: concurrency,
		now:         w.opts.Now,
		logger:      logging.Component(logger, "sync_scheduler"),
	}
}

// Seed registers every configured channel, due now by the worker clock.
// Existing cursors keep their state.
func (s *Scheduler) Seed(ctx context.Context, channels []config.ChannelConfig) error {
	if err := config.ValidateChannels(channels); err != nil {
		return err
	}
	for _, ch := range channels {
		cursor := &models.SyncCursor{
			UnitID:     ch.UnitID,
			Channel:    models.Source(ch.Channel),
			FeedURL:    ch.URL,
			NextSyncAt: s.now(),
		}
		if err := s.cursors.SeedCursor(ctx, cursor); err != nil {
			return fmt.Errorf("seed %s/%s: %w", ch.UnitID, ch.Channel, err)
		}
	}
	s.logger.Info().Int("channels", len(channels)).Msg("Sync cursors seeded")
	return nil
}

// Register adds the periodic pass to c.
func (s *Scheduler) Register(ctx context.Context, c *cron.Cron) error {
	_, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunDue(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled sync failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.schedule, err)
	}
	s.logger.Info().Str("schedule", s.schedule).Msg("Channel sync scheduled")
	return nil
}

// RunDue syncs every cursor whose NextSyncAt has passed. Cursors backing off
// after failures are not due and are skipped. Overlapping ticks are dropped.
func (s *Scheduler) RunDue(ctx context.Context) ([]PassResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug().Msg("Previous sync tick still running")
		return nil, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	cursors, err := s.cursors.ListCursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sync cursors: %w", err)
	}

	now := s.now()
	var due []models.SyncCursor
	for i := range cursors {
		if cursors[i].Due(now) {
			due = append(due, cursors[i])
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	results := make([]PassResult, len(due))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return results[:i], ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.worker.Sync(ctx, due[i])
			if err != nil && !errors.Is(err, ErrPassInProgress) {
				// failures are already recorded on the cursor
				s.logger.Debug().Err(err).Str("unit_id", due[i].UnitID).Str("channel", string(due[i].Channel)).Msg("Sync pass failed")
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	return results, nil
}

// ForceSync runs one (unit, channel) immediately, ignoring backoff.
func (s *Scheduler) ForceSync(ctx context.Context, unitID string, channel models.Source) (PassResult, error) {
	cursor, err := s.cursors.GetCursor(ctx, unitID, channel)
	if err != nil {
		return PassResult{}, err
	}
	s.logger.Info().Str("unit_id", unitID).Str("channel", string(channel)).Msg("Forced sync")
	return s.worker.Sync(ctx, *cursor)
}

// Health lists the state of every channel feed.
func (s *Scheduler) Health(ctx context.Context) ([]models.ChannelHealth, error) {
	cursors, err := s.cursors.ListCursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sync cursors: %w", err)
	}
	out := make([]models.ChannelHealth, 0, len(cursors))
	for i := range cursors {
		out = append(out, cursors[i].Health())
	}
	return out, nil
}
