package request

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Timing warning kinds.
const (
	WarningLateResponse = "late_response"
	WarningRetry        = "retry"
)

// Metrics counts protocol timing nonconformance and BUSY responses. The
// zero value is not usable; build one with NewMetrics.
type Metrics struct {
	warnings *prometheus.CounterVec
	busy     prometheus.Counter
}

// NewMetrics creates the request counters and registers them on reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "j1939",
			Subsystem: "request",
			Name:      "timing_warnings_total",
			Help:      "Late responses and retried requests.",
		}, []string{"kind"}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "j1939",
			Subsystem: "request",
			Name:      "busy_total",
			Help:      "BUSY acknowledgments received.",
		}),
	}
	if reg != nil {
		m.warnings = register(reg, m.warnings).(*prometheus.CounterVec)
		m.busy = register(reg, m.busy).(prometheus.Counter)
	}
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

// Warnings returns the counter for one warning kind.
func (m *Metrics) Warnings(kind string) prometheus.Counter { return m.warnings.WithLabelValues(kind) }

// Busy returns the BUSY counter.
func (m *Metrics) Busy() prometheus.Counter { return m.busy }
