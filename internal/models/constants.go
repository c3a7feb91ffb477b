package models

import "time"

const (
	// DefaultHoldTimeout how long a RESERVED hold waits for payment
	DefaultHoldTimeout = 15 * time.Minute

	// DefaultMaxStayNights longest accepted stay
	DefaultMaxStayNights = 365

	// DefaultSyncInterval period between feed fetches per channel
	DefaultSyncInterval = 15 * time.Minute

	// DefaultSyncJitter upper bound of the random delay added to each pass
	DefaultSyncJitter = 2 * time.Minute

	// DefaultSyncHorizon how far ahead recurring feed events are expanded
	DefaultSyncHorizon = 365 * 24 * time.Hour

	// DefaultDegradedAfter consecutive failures before a channel is degraded
	DefaultDegradedAfter = 5

	// DefaultRequestedTTL age after which a REQUESTED row is a crash leftover
	DefaultRequestedTTL = 5 * time.Minute

	// DefaultIdempotencyTTL lifetime of cached idempotency keys
	DefaultIdempotencyTTL = 24 * time.Hour

	// WorkerQueueSize size of the in-memory outbox queue
	WorkerQueueSize = 1000
)

const (
	EventReservationReserved  = "reservation.reserved"
	EventReservationConfirmed = "reservation.confirmed"
	EventReservationRejected  = "reservation.rejected"
	EventReservationExpired   = "reservation.expired"
	EventReservationReleased  = "reservation.released"
	EventSyncAnomaly          = "sync.anomaly"
	EventChannelDegraded      = "sync.channel_degraded"
)
