package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carp"

// Metrics holds the Prometheus collectors for the acquisition path. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	recordsAcquired prometheus.Counter
	recordsDropped  prometheus.Counter
	acquireErrors   prometheus.Counter
	commands        *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	displayQueueLen prometheus.Gauge
	acquiring       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_acquired_total",
			Help:      "Records read from the digitiser and published for display.",
		}),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Oldest records evicted from a full display queue.",
		}),
		acquireErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquire_errors_total",
			Help:      "Failed acquisition attempts.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Control commands handled by the acquisition worker.",
		}, []string{"kind"}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_failures_total",
			Help:      "Control commands that failed.",
		}, []string{"kind"}),
		displayQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "display_queue_length",
			Help:      "Records waiting in the display queue.",
		}),
		acquiring: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "acquiring",
			Help:      "1 while the digitiser is acquiring.",
		}),
	}

	reg.MustRegister(
		m.recordsAcquired,
		m.recordsDropped,
		m.acquireErrors,
		m.commands,
		m.commandFailures,
		m.displayQueueLen,
		m.acquiring,
	)
	return m
}

func (m *Metrics) RecordAcquired(queueLen int) {
	if m == nil {
		return
	}
	m.recordsAcquired.Inc()
	m.displayQueueLen.Set(float64(queueLen))
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.recordsDropped.Inc()
}

func (m *Metrics) AcquireError() {
	if m == nil {
		return
	}
	m.acquireErrors.Inc()
}

func (m *Metrics) Command(kind string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind).Inc()
	if err != nil {
		m.commandFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DisplayQueueLen(n int) {
	if m == nil {
		return
	}
	m.displayQueueLen.Set(float64(n))
}

func (m *Metrics) Acquiring(on bool) {
	if m == nil {
		return
	}
	if on {
		m.acquiring.Set(1)
	} else {
		m.acquiring.Set(0)
	}
}
