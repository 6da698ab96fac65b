package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus collectors for the bot core.
type Metrics struct {
	// Connection lifecycle
	LifecyclePhase     prometheus.Gauge
	ReconnectAttempts  prometheus.Counter
	TerminalLogouts    prometheus.Counter
	ConnectionsOpened  prometheus.Counter
	ConnectionsDropped *prometheus.CounterVec

	// Session store
	SessionsActive     prometheus.Gauge
	SessionWrites      prometheus.Counter
	SessionExpirations prometheus.Counter
	CapacityRejections prometheus.Counter

	// Durable storage
	StoragePartialFailures *prometheus.CounterVec

	// Resource ledger
	ConsumeOutcomes *prometheus.CounterVec

	// Dispatch
	EventsTotal      *prometheus.CounterVec
	HandlerPanics    prometheus.Counter
	DispatchDuration *prometheus.HistogramVec
}

// ObserveConsume counts a ledger consume outcome. Satisfies the
// ledger.OutcomeCounter interface.
func (m *Metrics) ObserveConsume(outcome string) {
	m.ConsumeOutcomes.WithLabelValues(outcome).Inc()
}

// New creates the collectors under the given namespace and registers them
// with the default registry.
func New(namespace string) *Metrics {
	return &Metrics{
		LifecyclePhase: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_phase",
			Help:      "Current connection lifecycle phase (0=disconnected 1=authenticating 2=connected 3=reconnecting 4=logged_out)",
		}),
		ReconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts scheduled",
		}),
		TerminalLogouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_logouts_total",
			Help:      "Total number of terminal disconnects that wiped credentials",
		}),
		ConnectionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total number of successfully opened transport sessions",
		}),
		ConnectionsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Total number of dropped transport sessions",
		}, []string{"recoverable"}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions in the hot cache",
		}),
		SessionWrites: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_writes_total",
			Help:      "Total number of session writes",
		}),
		SessionExpirations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_expirations_total",
			Help:      "Total number of sessions removed by TTL expiry",
		}),
		CapacityRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_capacity_rejections_total",
			Help:      "Total number of session writes rejected by the per-channel cap",
		}),

		StoragePartialFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_partial_failures_total",
			Help:      "Write-through failures where the hot cache succeeded but the durable store did not",
		}, []string{"operation"}),

		ConsumeOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_consume_outcomes_total",
			Help:      "Resource ledger consume results by outcome",
		}, []string{"outcome"}),

		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_events_total",
			Help:      "Inbound transport events by type",
		}, []string{"type"}),
		HandlerPanics: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_handler_panics_total",
			Help:      "Recovered panics in command handlers",
		}),
		DispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Command handler execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
	}
}
