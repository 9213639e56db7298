package j1939

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultMaxSessions bounds concurrent transport reassembly sessions.
const DefaultMaxSessions = 255

// Option configures a Link or a Transport.
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	now         func() time.Time
	registerer  prometheus.Registerer
	timing      Timing
	maxSessions int
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      zerolog.Nop(),
		now:         time.Now,
		timing:      DefaultTiming(),
		maxSessions: DefaultMaxSessions,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock sets the clock used to stamp received and sent packets.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithRegisterer registers the transport metrics on r.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithTiming overrides the transport timers.
func WithTiming(t Timing) Option { return func(o *options) { o.timing = t } }

// WithMaxSessions bounds concurrent reassembly sessions.
func WithMaxSessions(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSessions = n
		}
	}
}
