package domain

import (
	"context"
	"time"

	"staysync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// CalendarStore is the authoritative interval store. Every write goes through
// the per-unit serialization point.
type CalendarStore interface {
	ListIntervals(ctx context.Context, unitID string, r models.DateRange, statuses ...models.IntervalStatus) ([]models.Interval, error)
	ListIntervalsBySource(ctx context.Context, unitID string, source models.Source) ([]models.Interval, error)
	GetInterval(ctx context.Context, id int64) (*models.Interval, error)
	UpsertInterval(ctx context.Context, req models.UpsertRequest) (models.UpsertResult, error)
	TryReserve(ctx context.Context, req models.ReserveRequest) (*models.Interval, error)
	CancelInterval(ctx context.Context, id, expectedVersion int64) (*models.Interval, error)
	ConfirmInterval(ctx context.Context, id, expectedVersion int64) (*models.Interval, error)
	ApplyBatch(ctx context.Context, unitID string, mutations []models.Mutation) ([]models.MutationResult, error)
	MutationCount() int64
}

type ReservationRepository interface {
	InsertReservation(ctx context.Context, r *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	GetReservationByKey(ctx context.Context, key string) (*models.Reservation, error)
	TransitionReservation(ctx context.Context, t models.Transition) (*models.Reservation, error)
	ListExpiredHolds(ctx context.Context, now time.Time) ([]models.Reservation, error)
	ListStaleRequested(ctx context.Context, before time.Time) ([]models.Reservation, error)
	RejectStaleRequested(ctx context.Context, id, reason string) (*models.Reservation, error)
}

type CursorRepository interface {
	SeedCursor(ctx context.Context, cursor *models.SyncCursor) error
	GetCursor(ctx context.Context, unitID string, channel models.Source) (*models.SyncCursor, error)
	ListCursors(ctx context.Context) ([]models.SyncCursor, error)
	SaveCursor(ctx context.Context, cursor *models.SyncCursor) error
}

type AnomalyRepository interface {
	RecordAnomaly(ctx context.Context, a *models.SyncAnomaly) error
	ResolveAnomaliesForKey(ctx context.Context, unitID string, source models.Source, externalUID string) (int64, error)
	ResolveAnomaly(ctx context.Context, id int64) error
	ListOpenAnomalies(ctx context.Context, unitID string) ([]models.SyncAnomaly, error)
}

// Catalog answers capacity questions for units it owns.
type Catalog interface {
	Capacity(ctx context.Context, unitID string) (int, error)
}

type PaymentGateway interface {
	Confirm(ctx context.Context, reservationID string) (models.PaymentOutcome, error)
}

type Notifier interface {
	Notify(ctx context.Context, reservationID, event string) error
}

// Alerter delivers free-form operator alerts such as sync anomalies.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// IdempotencyCache maps idempotency keys to reservation ids.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, reservationID string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type LedgerWriter interface {
	UpsertReservation(ctx context.Context, r *models.Reservation) error
}

type OutboxEnqueuer interface {
	EnqueueTask(ctx context.Context, taskType string, r *models.Reservation, event string) error
}
