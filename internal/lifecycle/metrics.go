package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	actions         *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	describes       prometheus.Counter
	duration        prometheus.Histogram
	active          prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memori",
			Subsystem: "lifecycle",
			Name:      "actions_total",
			Help:      "Lifecycle actions issued, by verb and result.",
		}, []string{"verb", "result"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memori",
			Subsystem: "lifecycle",
			Name:      "reconciliations_total",
			Help:      "Finished reconciliations by result.",
		}, []string{"result"}),
		describes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memori",
			Subsystem: "lifecycle",
			Name:      "describe_calls_total",
			Help:      "Describe calls sent to the provider.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memori",
			Subsystem: "lifecycle",
			Name:      "reconcile_duration_seconds",
			Help:      "Time from accepting an action to observing its outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memori",
			Subsystem: "lifecycle",
			Name:      "active_reconciliations",
			Help:      "Reconciliations currently polling the provider.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.actions, m.reconciliations, m.describes, m.duration, m.active)
	}
	return m
}

func (m *metrics) action(verb, result string) {
	m.actions.WithLabelValues(verb, result).Inc()
}

func (m *metrics) reconciled(result string, started time.Time) {
	m.reconciliations.WithLabelValues(result).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}

// result labels an outcome by its error kind.
func result(err error) string {
	switch KindOf(err) {
	case nil:
		if err != nil {
			return "error"
		}
		return "ok"
	case ErrInvalidAction:
		return "invalid_action"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrActionInFlight:
		return "in_flight"
	case ErrReconciliationBusy:
		return "busy"
	case ErrQuotaExceeded:
		return "quota_exceeded"
	case ErrQuotaCheckUnavailable:
		return "quota_unavailable"
	case ErrTransport:
		return "transport"
	case ErrRejected:
		return "rejected"
	case ErrRemoteFailure:
		return "remote_failure"
	case ErrTimeout:
		return "timeout"
	default:
		return "error"
	}
}
