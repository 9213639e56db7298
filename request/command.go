package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"

	"github.com/notnil/j1939/j1939"
)

// Command sends cmd and waits for the addressed node to answer with
// resultPGN or to acknowledge the command. BUSY answers and silence are
// retried, up to CommandAttempts sends in total.
func (c *Client) Command(ctx context.Context, cmd *j1939.Packet, resultPGN uint32) Result {
	dst := cmd.Destination()
	me := c.bus.Address()
	x := exchange{
		title:  fmt.Sprintf("Command PGN %d to 0x%02X, expecting PGN %d", cmd.PGN(), dst, resultPGN),
		req:    cmd,
		window: c.dsTimeout,
		match: func(p *j1939.Packet) bool {
			if dst != j1939.GlobalAddress && p.Source() != dst {
				return false
			}
			if p.PGN() == j1939.PGNAcknowledgment {
				a, err := j1939.ParseAcknowledgment(p)
				return err == nil && (a.For(cmd.PGN(), me) || a.For(resultPGN, me))
			}
			d := p.Destination()
			return p.PGN() == resultPGN && (d == me || d == j1939.GlobalAddress)
		},
		single: true,
	}

	var last []j1939.Response
	attempts := 0
	_ = retry.Do(
		func() error {
			attempts++
			rs := c.run(ctx, x)
			if len(rs) == 0 {
				return errNoResponse
			}
			last = rs
			if anyBusy(rs) {
				return errBusy
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(CommandAttempts),
		retry.Delay(BusyRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errBusy) || errors.Is(err, errNoResponse)
		}),
	)

	retried := attempts > 1
	if retried {
		c.env.Metrics.Warnings(WarningRetry).Inc()
	}
	return Result{Responses: last, Retried: retried}
}
