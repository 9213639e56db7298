package request

import (
	"github.com/rs/zerolog"
)

// TimeFormat renders timestamps in narration.
const TimeFormat = "15:04:05.0000"

// Listener receives the narration of every request: the raw frames sent
// and received, timing warnings, retries and failures. It is the
// compliance evidence of a test run.
type Listener interface {
	OnResult(line string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(line string)

func (f ListenerFunc) OnResult(line string) { f(line) }

// Discard drops all narration.
var Discard Listener = ListenerFunc(func(string) {})

// LogListener writes each line to l at info level.
func LogListener(l zerolog.Logger) Listener {
	return ListenerFunc(func(line string) { l.Info().Msg(line) })
}

// Tee sends each line to every listener in order.
func Tee(ls ...Listener) Listener {
	return ListenerFunc(func(line string) {
		for _, l := range ls {
			l.OnResult(line)
		}
	})
}
