package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"staysync/internal/domain"
	"staysync/internal/events"
	"staysync/internal/logging"
	"staysync/internal/metrics"
	"staysync/internal/models"
	"staysync/internal/notify"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OutboxStore persists outbox tasks between attempts.
type OutboxStore interface {
	CreateOutboxTask(ctx context.Context, task *models.OutboxTask) error
	GetPendingOutboxTasks(ctx context.Context, limit int) ([]models.OutboxTask, error)
	UpdateOutboxTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
	ClaimOutboxTask(ctx context.Context, id int64) (bool, error)
}

// OutboxWorker delivers the side effects of state changes: operator
// notifications, alerts and ledger rows. Tasks are persisted first and then
// handed over through Redis or the in-memory queue; the database is polled
// for retries and for anything the queues lost.
type OutboxWorker struct {
	store         OutboxStore
	notifier      notify.OperatorNotifier
	ledger        domain.LedgerWriter
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.OutboxTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	now           func() time.Time
	logger        *zerolog.Logger
}

// NewOutboxWorker builds a worker with sane defaults. ledger and redisClient
// may be nil; a nil notifier logs notifications.
func NewOutboxWorker(store OutboxStore, notifier notify.OperatorNotifier, ledger domain.LedgerWriter, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *OutboxWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	return &OutboxWorker{
		store:         store,
		notifier:      notifier,
		ledger:        ledger,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.OutboxTask, models.WorkerQueueSize),
		redisQueueKey: "staysync:outbox:queue",
		deadLetterKey: "staysync:outbox:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		now:           time.Now,
		logger:        logging.Component(logger, "outbox_worker"),
	}
}

// EnqueueTask persists a reservation task and schedules it.
func (w *OutboxWorker) EnqueueTask(ctx context.Context, taskType string, r *models.Reservation, event string) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if r == nil || r.ID == "" {
		return errors.New("reservation is required")
	}
	if taskType == models.TaskLedgerUpsert && w.ledger == nil {
		return nil
	}
	return w.enqueue(ctx, taskType, r.ID, models.NotifyPayload{Event: event, Reservation: r})
}

// EnqueueAlert persists an operator alert and schedules it.
func (w *OutboxWorker) EnqueueAlert(ctx context.Context, event, text string) error {
	if text == "" {
		return errors.New("alert text is required")
	}
	return w.enqueue(ctx, models.TaskAlert, "", models.AlertPayload{Event: event, Text: text})
}

func (w *OutboxWorker) enqueue(ctx context.Context, taskType, reservationID string, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	task := models.OutboxTask{
		TaskType:      taskType,
		ReservationID: reservationID,
		Payload:       string(payloadBytes),
		Status:        models.TaskStatusPending,
	}
	if err := w.store.CreateOutboxTask(ctx, &task); err != nil {
		return fmt.Errorf("persist outbox task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Redis push failed, falling back to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("In-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the delivery loop until ctx is done.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("Outbox worker started")
	defer w.logger.Info().Msg("Outbox worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		n, err := w.DrainPending(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to fetch pending tasks")
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// DrainPending processes one batch of due tasks from the database.
func (w *OutboxWorker) DrainPending(ctx context.Context) (int, error) {
	tasks, err := w.store.GetPendingOutboxTasks(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks), nil
}

func (w *OutboxWorker) tryLocalQueue() (models.OutboxTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.OutboxTask{}, false
	}
}

func (w *OutboxWorker) tryRedis(ctx context.Context) (models.OutboxTask, bool) {
	if w.redis == nil {
		return models.OutboxTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
			return models.OutboxTask{}, false
		}
		w.logger.Warn().Err(err).Msg("Redis BRPOP failed")
		return models.OutboxTask{}, false
	}
	if len(res) != 2 {
		return models.OutboxTask{}, false
	}
	var task models.OutboxTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to decode redis task")
		return models.OutboxTask{}, false
	}
	return task, true
}

func (w *OutboxWorker) processTask(ctx context.Context, task *models.OutboxTask) {
	claimed, err := w.store.ClaimOutboxTask(ctx, task.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to claim task")
		return
	}
	if !claimed {
		return
	}

	if err := w.handle(ctx, task); err != nil {
		var perm permanentError
		if errors.As(err, &perm) {
			w.failTask(ctx, task, err)
			return
		}
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncOutbox(task.TaskType, models.TaskStatusCompleted)
	if err := w.store.UpdateOutboxTaskStatus(ctx, task.ID, models.TaskStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark task completed")
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func (w *OutboxWorker) handle(ctx context.Context, task *models.OutboxTask) error {
	switch task.TaskType {
	case models.TaskNotify, models.TaskLedgerUpsert:
		var payload models.NotifyPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		if payload.Reservation == nil {
			return permanentError{errors.New("reservation payload missing")}
		}
		if task.TaskType == models.TaskNotify {
			return w.notifier.Notify(ctx, payload.Reservation.ID, payload.Event)
		}
		if w.ledger == nil {
			return permanentError{errors.New("ledger is not configured")}
		}
		return w.ledger.UpsertReservation(ctx, payload.Reservation)
	case models.TaskAlert:
		var payload models.AlertPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		return w.notifier.Alert(ctx, payload.Text)
	default:
		return permanentError{fmt.Errorf("unknown task type: %s", task.TaskType)}
	}
}

func (w *OutboxWorker) retryOrFail(ctx context.Context, task *models.OutboxTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	metrics.IncOutbox(task.TaskType, models.TaskStatusRetry)
	nextTime := w.now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.store.UpdateOutboxTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to schedule task retry")
	}
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", nextTime).Msg("Outbox task failed, will retry")
}

func (w *OutboxWorker) failTask(ctx context.Context, task *models.OutboxTask, cause error) {
	metrics.IncOutbox(task.TaskType, models.TaskStatusFailed)
	if err := w.store.UpdateOutboxTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark task failed")
	}
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("task_type", task.TaskType).Msg("Outbox task dead-lettered")
	w.pushDeadLetter(ctx, task)
}

func (w *OutboxWorker) pushRedis(ctx context.Context, task models.OutboxTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *OutboxWorker) pushDeadLetter(ctx context.Context, task *models.OutboxTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Dead letter push failed")
	}
}

var reservationEvents = []string{
	models.EventReservationReserved,
	models.EventReservationConfirmed,
	models.EventReservationRejected,
	models.EventReservationExpired,
	models.EventReservationReleased,
}

// Subscribe turns bus events into outbox tasks.
func (w *OutboxWorker) Subscribe(ctx context.Context, bus *events.EventBus) {
	bus.Subscribe(func(e *events.Event) error {
		var p events.ReservationEventPayload
		if err := e.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		r, err := reservationFromPayload(p)
		if err != nil {
			return err
		}
		if err := w.EnqueueTask(ctx, models.TaskNotify, r, e.Type); err != nil {
			return err
		}
		if w.ledger == nil {
			return nil
		}
		return w.EnqueueTask(ctx, models.TaskLedgerUpsert, r, e.Type)
	}, reservationEvents...)

	bus.Subscribe(func(e *events.Event) error {
		var p events.SyncEventPayload
		if err := e.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return w.EnqueueAlert(ctx, e.Type, AlertText(e.Type, p))
	}, models.EventSyncAnomaly, models.EventChannelDegraded)
}

func reservationFromPayload(p events.ReservationEventPayload) (*models.Reservation, error) {
	rng, err := models.ParseDateRange(p.CheckIn, p.CheckOut)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", p.ReservationID, err)
	}
	return &models.Reservation{
		ID:           p.ReservationID,
		UnitID:       p.UnitID,
		Range:        rng,
		GuestCount:   p.GuestCount,
		State:        models.ReservationState(p.State),
		RejectReason: p.Reason,
		UpdatedAt:    p.OccurredAt,
	}, nil
}

// AlertText renders the operator message of a sync event.
func AlertText(eventType string, p events.SyncEventPayload) string {
	switch eventType {
	case models.EventSyncAnomaly:
		return fmt.Sprintf("Sync anomaly on %s: %s claim %s [%s, %s) collides with %s",
			p.UnitID, p.Channel, p.ExternalUID, p.CheckIn, p.CheckOut, strings.Join(p.Conflicting, ", "))
	case models.EventChannelDegraded:
		return fmt.Sprintf("Channel %s/%s degraded after %d failures: %s", p.UnitID, p.Channel, p.Failures, p.LastError)
	default:
		return fmt.Sprintf("%s on %s/%s", eventType, p.UnitID, p.Channel)
	}
}
