package envelope

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts committed envelope transitions by timeline event type.
type Metrics struct {
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelope_transitions_total",
				Help: "Committed envelope state transitions.",
			},
			[]string{"event"},
		),
	}
	reg.MustRegister(m.transitions)
	return m
}

func (m *Metrics) observe(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}
