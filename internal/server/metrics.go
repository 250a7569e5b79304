package server

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	operations *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdbsim",
			Name:      "cluster_operations_total",
			Help:      "Control-plane cluster operations by verb and result.",
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations)
	}
	return m
}

func (m *metrics) observe(op, result string) {
	m.operations.WithLabelValues(op, result).Inc()
}
