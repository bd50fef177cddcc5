package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline counters. Construct once per process with a
// registerer; tests pass a fresh registry.
type Metrics struct {
	Published            *prometheus.CounterVec
	PublishFailures      *prometheus.CounterVec
	DeadLettered         prometheus.Counter
	Consumed             *prometheus.CounterVec
	BatchesFlushed       *prometheus.CounterVec
	FlushFailures        prometheus.Counter
	NotificationsDropped *prometheus.CounterVec
	FallbackInvocations  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sparkd_events_published_total",
			Help: "Events published to the broker, by topic.",
		}, []string{"topic"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sparkd_publish_failures_total",
			Help: "Publishes that failed after producer retries, by topic.",
		}, []string{"topic"}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "sparkd_dead_lettered_total",
			Help: "Records written to the dead-letter topic.",
		}),
		Consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sparkd_events_consumed_total",
			Help: "Events handled, by consumer group.",
		}, []string{"group"}),
		BatchesFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sparkd_batches_flushed_total",
			Help: "Persistence batches flushed, by event kind.",
		}, []string{"kind"}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sparkd_flush_failures_total",
			Help: "Persistence batch flushes that failed and were requeued.",
		}),
		NotificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sparkd_notifications_dropped_total",
			Help: "Notifications dropped before dispatch, by reason.",
		}, []string{"reason"}),
		FallbackInvocations: f.NewCounter(prometheus.CounterOpts{
			Name: "sparkd_fallback_invocations_total",
			Help: "Synchronous fallback deliveries taken because the broker was unavailable.",
		}),
	}
}

// NewTestMetrics returns metrics bound to a private registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
