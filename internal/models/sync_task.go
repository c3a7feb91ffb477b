package models

import "time"

// OutboxTask represents a queued side effect (notification, ledger mirror) of a
// reservation state change.
type OutboxTask struct {
	ID            int64      `json:"id"`
	TaskType      string     `json:"task_type"`
	ReservationID string     `json:"reservation_id"`
	Payload       string     `json:"payload"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     *string    `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
	NextRetryAt   *time.Time `json:"next_retry_at"`
}

const (
	TaskNotify       = "notify"
	TaskLedgerUpsert = "ledger_upsert"
	TaskAlert        = "alert"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusRetry      = "retry"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// NotifyPayload is the body of notify and ledger tasks.
type NotifyPayload struct {
	Event       string       `json:"event"`
	Reservation *Reservation `json:"reservation"`
}

// AlertPayload is the body of an operator alert task.
type AlertPayload struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}
