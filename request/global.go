package request

import (
	"context"
	"fmt"

	"github.com/notnil/j1939/j1939"
)

// Global requests pgn from every node. BUSY answers trigger one repeat of
// the global request; nodes still BUSY after that are asked directly, at
// most twice. The result holds one response per answering node.
func (c *Client) Global(ctx context.Context, pgn uint32) Result {
	x := exchange{
		title:     fmt.Sprintf("Global Request for PGN %d", pgn),
		req:       j1939.NewRequest(c.bus.Address(), j1939.GlobalAddress, pgn),
		window:    c.globalTimeout,
		match:     func(p *j1939.Packet) bool { return c.accepts(p, pgn) },
		warnAfter: GlobalWarnTimeout,
	}
	merged := bySource{}
	merged.add(c.run(ctx, x))

	retried := false
	if busy := merged.busy(); len(busy) > 0 {
		retried = true
		c.env.Metrics.Warnings(WarningRetry).Inc()
		c.log.Warn().Uint32("pgn", pgn).Int("busy", len(busy)).Msg("retrying global request")
		c.say("TIMING: BUSY from %d node(s); repeating Global Request for PGN %d", len(busy), pgn)
		merged.add(c.run(ctx, x))
	}

	for _, addr := range merged.busy() {
		c.say("Node 0x%02X is still BUSY; requesting PGN %d directly", addr, pgn)
		for i := 0; i < 2; i++ {
			ds := c.DS(ctx, pgn, addr)
			merged.add(ds.Responses)
			if !ds.Busy() {
				break
			}
		}
	}
	return Result{Responses: merged.sorted(), Retried: retried}
}
