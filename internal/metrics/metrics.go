package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "staysync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	reservationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_outcomes_total",
			Help:      "Reservation attempts by resulting state or rejection code.",
		},
		[]string{"outcome"},
	)

	reservationConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_conflicts_total",
			Help:      "Rejected reservations by the source holding the nights.",
		},
		[]string{"source"},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Channel sync passes by channel and result.",
		},
		[]string{"channel", "result"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of one channel sync pass.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	syncMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_mutations_total",
			Help:      "Interval mutations applied by sync, by outcome.",
		},
		[]string{"channel", "outcome"},
	)

	syncAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_anomalies_total",
			Help:      "Channel claims recorded as anomalies.",
		},
		[]string{"channel"},
	)

	degradedChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_degraded",
			Help:      "1 while a (unit, channel) feed is degraded.",
		},
		[]string{"unit", "channel"},
	)

	outboxTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_tasks_total",
			Help:      "Outbox tasks processed by type and result.",
		},
		[]string{"type", "result"},
	)

	operatorCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_commands_total",
			Help:      "Operator bot commands by command and result.",
		},
		[]string{"command", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			reservationOutcomes,
			reservationConflicts,
			syncPasses,
			syncDuration,
			syncMutations,
			syncAnomalies,
			degradedChannels,
			outboxTasks,
			operatorCommands,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncReservation(outcome string) {
	reservationOutcomes.WithLabelValues(outcome).Inc()
}

func IncConflict(source string) {
	reservationConflicts.WithLabelValues(source).Inc()
}

// ObserveSyncPass records one sync pass; result is ok, not_modified, unchanged or error.
func ObserveSyncPass(channel, result string, took time.Duration) {
	syncPasses.WithLabelValues(channel, result).Inc()
	syncDuration.WithLabelValues(channel).Observe(took.Seconds())
}

func AddSyncMutations(channel, outcome string, n int) {
	if n <= 0 {
		return
	}
	syncMutations.WithLabelValues(channel, outcome).Add(float64(n))
}

func IncAnomaly(channel string) {
	syncAnomalies.WithLabelValues(channel).Inc()
}

func SetDegraded(unit, channel string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	degradedChannels.WithLabelValues(unit, channel).Set(v)
}

func IncOutbox(taskType, result string) {
	outboxTasks.WithLabelValues(taskType, result).Inc()
}

func IncOperatorCommand(command, result string) {
	operatorCommands.WithLabelValues(command, result).Inc()
}
