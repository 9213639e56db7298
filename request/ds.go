package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/notnil/j1939/j1939"
)

// DS requests pgn from the node at addr. A BUSY answer is retried every
// BusyRetryDelay until the node answers otherwise, stops answering, or
// DSBudget has elapsed since the first send. A node that never stops being
// BUSY yields its last BUSY acknowledgment and no data.
func (c *Client) DS(ctx context.Context, pgn uint32, addr uint8) Result {
	budget, cancel := context.WithTimeout(ctx, DSBudget)
	defer cancel()

	x := exchange{
		title: fmt.Sprintf("Destination Specific Request for PGN %d to 0x%02X", pgn, addr),
		req:   j1939.NewRequest(c.bus.Address(), addr, pgn),
		match: func(p *j1939.Packet) bool {
			return p.Source() == addr && c.accepts(p, pgn)
		},
		single: true,
	}

	var last []j1939.Response
	attempts := 0
	_ = retry.Do(
		func() error {
			x.window = c.dsTimeout
			if deadline, ok := budget.Deadline(); ok {
				x.window = min(x.window, time.Until(deadline))
			}
			if x.window <= 0 {
				return retry.Unrecoverable(context.DeadlineExceeded)
			}
			attempts++
			rs := c.run(ctx, x)
			if len(rs) > 0 {
				last = rs
			}
			if anyBusy(rs) {
				return errBusy
			}
			return nil
		},
		retry.Context(budget),
		retry.Attempts(0),
		retry.Delay(BusyRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errBusy) }),
		retry.OnRetry(func(uint, error) {
			c.say("BUSY from 0x%02X; retrying in %v", addr, BusyRetryDelay)
		}),
	)

	retried := attempts > 1
	if retried {
		c.env.Metrics.Warnings(WarningRetry).Inc()
		c.log.Warn().Uint32("pgn", pgn).Uint8("dst", addr).Int("attempts", attempts).Msg("DS request retried")
	}
	return Result{Responses: last, Retried: retried}
}
