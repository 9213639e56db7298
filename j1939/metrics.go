package j1939

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Session outcomes recorded in j1939_tp_sessions_total.
const (
	outcomeComplete = "complete"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

type transportMetrics struct {
	sessions *prometheus.CounterVec
}

func newTransportMetrics(reg prometheus.Registerer) *transportMetrics {
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "j1939",
		Subsystem: "tp",
		Name:      "sessions_total",
		Help:      "Transport protocol receive sessions by kind and outcome.",
	}, []string{"kind", "outcome"})
	if reg != nil {
		if err := reg.Register(sessions); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					sessions = existing
				}
			}
		}
	}
	return &transportMetrics{sessions: sessions}
}

func (m *transportMetrics) session(kind sessionKind, outcome string) {
	m.sessions.WithLabelValues(string(kind), outcome).Inc()
}
