package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Dispatcher metrics
	EventsDispatched *prometheus.CounterVec
	EventsDeduped    *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	DispatchLatency  prometheus.Histogram
	QueueDepth       prometheus.Gauge

	// Analyzer metrics
	AnalyzerCalls   *prometheus.CounterVec
	AnalyzerLatency prometheus.Histogram

	// Channel metrics
	IdleSessionState     *prometheus.GaugeVec
	IdleReconnects       *prometheus.CounterVec
	SubscriptionRenewals *prometheus.CounterVec
	PollCycles           prometheus.Counter
	PollMessagesFetched  prometheus.Counter
	PollUsersSkipped     prometheus.Counter

	// Shared infrastructure metrics
	DatabaseOperations *prometheus.CounterVec
	RedisOperations    *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of mail events dispatched to the analyzer",
		}, []string{"provider", "channel"}),
		EventsDeduped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduped_total",
			Help:      "Total number of duplicate mail events dropped",
		}, []string{"provider", "channel"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because the dispatch buffer was full",
		}),
		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end time spent dispatching one mail event",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Current number of events waiting in the dispatch buffer",
		}),

		AnalyzerCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_calls_total",
			Help:      "Total number of analyzer invocations",
		}, []string{"status"}),
		AnalyzerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_duration_seconds",
			Help:      "Analyzer call latency",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		IdleSessionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_session_state",
			Help:      "Current idle session state (one series per state, 1 = in state)",
		}, []string{"provider", "state"}),
		IdleReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_reconnects_total",
			Help:      "Total number of idle session reconnect attempts",
		}, []string{"provider"}),
		SubscriptionRenewals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_renewals_total",
			Help:      "Total number of subscription renewal attempts",
		}, []string{"provider", "status"}),
		PollCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of hybrid poller cycles",
		}),
		PollMessagesFetched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_messages_fetched_total",
			Help:      "Total number of messages fetched by the fallback poller",
		}),
		PollUsersSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_users_skipped_total",
			Help:      "Total number of users skipped because a healthy real-time channel exists",
		}),

		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		RedisOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_operations_total",
			Help:      "Total number of Redis operations",
		}, []string{"operation", "status"}),
	}
}

// NewTestMetrics creates an unregistered metric set for tests, avoiding
// duplicate registration across test packages.
func NewTestMetrics() *Metrics {
	m := &Metrics{
		EventsDispatched:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events_dispatched_total"}, []string{"provider", "channel"}),
		EventsDeduped:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events_deduped_total"}, []string{"provider", "channel"}),
		EventsDropped:        prometheus.NewCounter(prometheus.CounterOpts{Name: "test_events_dropped_total"}),
		DispatchLatency:      prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_dispatch_duration_seconds"}),
		QueueDepth:           prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_dispatch_queue_depth"}),
		AnalyzerCalls:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_analyzer_calls_total"}, []string{"status"}),
		AnalyzerLatency:      prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_analyzer_duration_seconds"}),
		IdleSessionState:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_idle_session_state"}, []string{"provider", "state"}),
		IdleReconnects:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_idle_reconnects_total"}, []string{"provider"}),
		SubscriptionRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_subscription_renewals_total"}, []string{"provider", "status"}),
		PollCycles:           prometheus.NewCounter(prometheus.CounterOpts{Name: "test_poll_cycles_total"}),
		PollMessagesFetched:  prometheus.NewCounter(prometheus.CounterOpts{Name: "test_poll_messages_fetched_total"}),
		PollUsersSkipped:     prometheus.NewCounter(prometheus.CounterOpts{Name: "test_poll_users_skipped_total"}),
		DatabaseOperations:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_database_operations_total"}, []string{"operation", "status"}),
		RedisOperations:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_redis_operations_total"}, []string{"operation", "status"}),
	}
	return m
}
