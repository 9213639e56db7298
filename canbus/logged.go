package canbus

import (
	"context"

	"github.com/rs/zerolog"
)

// LogOption is a bitmask for selecting which operations to log.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// NewLoggedBus wraps the given Bus and logs the selected operations at level.
// When filter is non-nil only matching frames are logged; errors are always
// logged for the enabled directions.
func NewLoggedBus(inner Bus, logger zerolog.Logger, level zerolog.Level, opts LogOption, filter FrameFilter) Bus {
	return &loggedBus{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
		filter: filter,
	}
}

type loggedBus struct {
	inner  Bus
	logger zerolog.Logger
	level  zerolog.Level
	opts   LogOption
	filter FrameFilter
}

func (l *loggedBus) match(f Frame) bool { return l.filter == nil || l.filter(f) }

func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	if l.opts&LogWrite != 0 && l.match(frame) {
		l.logger.WithLevel(l.level).
			Uint32("id", frame.ID).
			Bool("extended", frame.Extended).
			Int("len", int(frame.Len)).
			Hex("data", frame.Payload()).
			Msg("canbus send")
	}
	err := l.inner.Send(ctx, frame)
	if l.opts&LogWrite != 0 && err != nil {
		l.logger.Error().Err(err).Uint32("id", frame.ID).Msg("canbus send error")
	}
	return err
}

func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead == 0 {
		return f, err
	}
	switch {
	case err != nil:
		if ctx.Err() == nil {
			l.logger.Error().Err(err).Msg("canbus receive error")
		}
	case l.match(f):
		l.logger.WithLevel(l.level).
			Uint32("id", f.ID).
			Bool("extended", f.Extended).
			Int("len", int(f.Len)).
			Hex("data", f.Payload()).
			Msg("canbus receive")
	}
	return f, err
}

// Close forwards to the inner Bus without logging.
func (l *loggedBus) Close() error {
	return l.inner.Close()
}
