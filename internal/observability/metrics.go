package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	actionsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amictl",
			Subsystem: "engine",
			Name:      "actions_sent_total",
			Help:      "Actions written to the management socket.",
		},
		[]string{"action"},
	)
	actionsHeld = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "amictl",
			Subsystem: "engine",
			Name:      "actions_held_total",
			Help:      "Actions queued because the session was not authenticated or the write failed.",
		},
	)
	completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amictl",
			Subsystem: "engine",
			Name:      "completions_total",
			Help:      "Pending actions resolved, by outcome.",
		},
		[]string{"outcome"},
	)
	eventsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amictl",
			Subsystem: "engine",
			Name:      "messages_routed_total",
			Help:      "Inbound blocks routed, by kind.",
		},
		[]string{"kind"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amictl",
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Non-fatal transport and parse errors.",
		},
		[]string{"class"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amictl",
			Subsystem: "supervisor",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts started by the supervisor, by result.",
		},
		[]string{"result"},
	)
	backoffSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amictl",
			Subsystem: "supervisor",
			Name:      "backoff_seconds",
			Help:      "Delay of the currently armed reconnect timer.",
		},
	)
	pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "amictl",
			Subsystem: "engine",
			Name:      "pending_actions",
			Help:      "Actions awaiting completion, split into in-flight and held.",
		},
		[]string{"queue"},
	)
	stateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amictl",
			Subsystem: "engine",
			Name:      "state",
			Help:      "Numeric connection state (0 disconnected .. 5 closed).",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(actionsSent, actionsHeld, completions, eventsRouted,
			protocolErrors, reconnects, backoffSeconds, pendingGauge, stateGauge)
	})
}

func RecordActionSent(action string) {
	RegisterMetrics()
	actionsSent.WithLabelValues(action).Inc()
}

func RecordActionHeld() {
	RegisterMetrics()
	actionsHeld.Inc()
}

func RecordCompletion(outcome string) {
	RegisterMetrics()
	completions.WithLabelValues(outcome).Inc()
}

func RecordRouted(kind string) {
	RegisterMetrics()
	eventsRouted.WithLabelValues(kind).Inc()
}

func RecordError(class string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(class).Inc()
}

func RecordReconnect(result string, nextDelaySeconds float64) {
	RegisterMetrics()
	reconnects.WithLabelValues(result).Inc()
	backoffSeconds.Set(nextDelaySeconds)
}

func SetQueues(inFlight, held int) {
	RegisterMetrics()
	pendingGauge.WithLabelValues("in_flight").Set(float64(inFlight))
	pendingGauge.WithLabelValues("held").Set(float64(held))
}

func SetState(state int) {
	RegisterMetrics()
	stateGauge.Set(float64(state))
}
