package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"staysync/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverIdempotencyCache uses primary until it fails, then serves from
// fallback and retries primary once per recoveryInterval. Writes while down
// land in fallback only; the database unique index still guards duplicates.
type FailoverIdempotencyCache struct {
	primary  domain.IdempotencyCache
	fallback domain.IdempotencyCache
	logger   *zerolog.Logger
	isDown   atomic.Bool
	now      func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverIdempotencyCache(primary, fallback domain.IdempotencyCache, logger *zerolog.Logger) *FailoverIdempotencyCache {
	return &FailoverIdempotencyCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverIdempotencyCache) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary idempotency cache failed, falling back to memory")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

// usePrimary reports whether the next call should try primary.
func (r *FailoverIdempotencyCache) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Try to recover after a minute
	if r.now().Sub(r.lastCheck) > recoveryInterval {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverIdempotencyCache) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary idempotency cache recovered")
	}
}

// Down reports whether calls are served by the fallback.
func (r *FailoverIdempotencyCache) Down() bool {
	return r.isDown.Load()
}

func (r *FailoverIdempotencyCache) Get(ctx context.Context, key string) (string, error) {
	if r.usePrimary() {
		id, err := r.primary.Get(ctx, key)
		if err == nil {
			r.recovered()
			if id != "" {
				return id, nil
			}
			// keys written during an outage only exist in fallback
			return r.fallback.Get(ctx, key)
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverIdempotencyCache) Put(ctx context.Context, key, reservationID string, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Put(ctx, key, reservationID, ttl)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Put(ctx, key, reservationID, ttl)
}

func (r *FailoverIdempotencyCache) Delete(ctx context.Context, key string) error {
	if r.usePrimary() {
		if err := r.primary.Delete(ctx, key); err != nil {
			r.markDown(err)
		} else {
			r.recovered()
		}
	}
	return r.fallback.Delete(ctx, key)
}
