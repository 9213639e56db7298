// Package request issues J1939 requests and collects the answers the way a
// compliance test needs them: global requests with BUSY retry and
// per-node fallback, destination-specific requests under a fixed retry
// budget, and command/response exchanges. Every frame sent and received is
// narrated to a Listener.
//
// Link and transport failures never surface as errors; they are logged and
// the request degrades to "no response".
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/notnil/j1939/j1939"
)

// Request timing, in the order a global request uses them.
const (
	// GlobalTimeout is how long a global request collects answers.
	GlobalTimeout = 750 * time.Millisecond

	// GlobalWarnTimeout is the answer delay above which a timing warning
	// is recorded.
	GlobalWarnTimeout = 200 * time.Millisecond

	// DSTimeout is the window of one destination specific attempt.
	DSTimeout = 750 * time.Millisecond

	// BusyRetryDelay is the pause before resending after a BUSY answer.
	BusyRetryDelay = 200 * time.Millisecond

	// DSBudget caps the wall-clock time of one DS call including retries.
	DSBudget = 1200 * time.Millisecond

	// CommandAttempts is the number of sends a Command makes at most.
	CommandAttempts = 3
)

var (
	errBusy       = errors.New("request: busy")
	errNoResponse = errors.New("request: no response")
)

// Env carries what would otherwise be process globals: the clock used for
// narration, the metrics sink and the narration listener.
type Env struct {
	Now      func() time.Time
	Metrics  *Metrics
	Listener Listener
}

// Client issues requests over a j1939.Bus, normally a j1939.Transport so
// that multi-packet answers are reassembled.
type Client struct {
	bus           j1939.Bus
	env           Env
	log           zerolog.Logger
	decoder       *j1939.Decoder
	globalTimeout time.Duration
	dsTimeout     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for retries and transport failures.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithDecoder replaces the default decoder used to classify answers.
func WithDecoder(d *j1939.Decoder) Option { return func(c *Client) { c.decoder = d } }

// WithGlobalTimeout overrides GlobalTimeout.
func WithGlobalTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.globalTimeout = d
		}
	}
}

// WithDSTimeout overrides DSTimeout.
func WithDSTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dsTimeout = d
		}
	}
}

// NewClient returns a Client sending over bus. Nil Env fields are replaced
// by working defaults.
func NewClient(bus j1939.Bus, env Env, opts ...Option) *Client {
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Metrics == nil {
		env.Metrics = NewMetrics(nil)
	}
	if env.Listener == nil {
		env.Listener = Discard
	}
	c := &Client{
		bus:           bus,
		env:           env,
		log:           zerolog.Nop(),
		decoder:       j1939.NewDecoder(),
		globalTimeout: GlobalTimeout,
		dsTimeout:     DSTimeout,
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// exchange is one send followed by a bounded read.
type exchange struct {
	title  string
	req    *j1939.Packet
	window time.Duration
	match  func(*j1939.Packet) bool
	// warnAfter flags answers whose first frame arrives later than this
	// after the send; zero disables the check.
	warnAfter time.Duration
	// single stops reading at the first matching packet.
	single bool
}

func (c *Client) say(format string, args ...any) {
	c.env.Listener.OnResult(fmt.Sprintf(format, args...))
}

func (c *Client) sayAt(at time.Time, format string, args ...any) {
	c.env.Listener.OnResult(at.Format(TimeFormat) + " " + fmt.Sprintf(format, args...))
}

func (c *Client) run(ctx context.Context, x exchange) []j1939.Response {
	log := c.log.With().Uint32("pgn", x.req.PGN()).Uint8("dst", x.req.Destination()).Logger()
	stream := c.bus.Read(x.window)
	defer stream.Close()

	c.say("%s", x.title)
	sent, err := c.bus.Send(ctx, x.req)
	if err != nil {
		log.Error().Err(err).Msg("request send failed")
		c.sayAt(c.env.Now(), "Failed to send %s: %v", x.req, err)
		return nil
	}
	sentAt := sent.Timestamp()
	if sentAt.IsZero() {
		sentAt = c.env.Now()
	}
	c.sayAt(sentAt, "%s", sent)

	var matched []*j1939.Packet
	for {
		p, ok := stream.Next(ctx)
		if !ok {
			break
		}
		if !x.match(p) {
			continue
		}
		if x.warnAfter > 0 {
			if late := p.Timestamp().Sub(sentAt); late > x.warnAfter {
				c.env.Metrics.Warnings(WarningLateResponse).Inc()
				log.Warn().Uint8("src", p.Source()).Dur("after", late).Msg("late response")
				c.sayAt(p.Timestamp(), "TIMING: Late response - %s", p)
			}
		}
		matched = append(matched, p)
		if x.single {
			break
		}
	}

	var out []j1939.Response
	for _, p := range matched {
		if err := p.Wait(ctx); err != nil {
			log.Warn().Err(err).Uint8("src", p.Source()).Msg("transport failed")
			c.sayAt(c.env.Now(), "Transport failure from 0x%02X: %v", p.Source(), err)
			continue
		}
		c.sayAt(p.Timestamp(), "%s", p)
		r := c.decoder.Decode(p)
		if j1939.IsBusy(r) {
			c.env.Metrics.Busy().Inc()
		}
		c.say("%s", r)
		out = append(out, r)
	}
	if len(out) == 0 {
		c.sayAt(c.env.Now(), "Timeout - No Response")
	}
	return out
}

// accepts reports whether p, an answer to a request for pgn, is addressed
// to this tool: globally, directly, or as an acknowledgment naming us.
func (c *Client) accepts(p *j1939.Packet, pgn uint32) bool {
	me := c.bus.Address()
	if p.PGN() == j1939.PGNAcknowledgment {
		a, err := j1939.ParseAcknowledgment(p)
		return err == nil && a.For(pgn, me)
	}
	d := p.Destination()
	return p.PGN() == pgn && (d == j1939.GlobalAddress || d == me)
}
