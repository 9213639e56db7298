package j1939

import (
	"context"
	"fmt"
)

func (t *Transport) sendBAM(ctx context.Context, p *Packet) (*Packet, error) {
	data := p.Payload()
	n := packetCount(len(data))
	sent, err := t.sendControl(ctx, GlobalAddress, control{kind: ctlBAM, size: len(data), packets: n, pgn: p.PGN()})
	if err != nil {
		return nil, fmt.Errorf("j1939: BAM announce: %w", err)
	}
	frags := sent.Fragments()
	for seq := 1; seq <= n; seq++ {
		if err := sleep(ctx, t.timing.BAMInterval); err != nil {
			return nil, err
		}
		dt, err := t.sendDT(ctx, GlobalAddress, seq, data)
		if err != nil {
			return nil, fmt.Errorf("j1939: BAM DT %d: %w", seq, err)
		}
		frags = append(frags, dt.Fragments()...)
	}
	return p.withSend(sent.Timestamp(), frags), nil
}

// sendRTS runs the connection mode exchange with p's destination. A CTS
// granting zero packets holds the connection open; holds repeat until the
// receiver grants data, aborts, goes silent for T4, or ctx ends.
func (t *Transport) sendRTS(ctx context.Context, p *Packet) (*Packet, error) {
	data := p.Payload()
	n := packetCount(len(data))
	dst, pgn := p.Destination(), p.PGN()
	log := t.log.With().Str("session", "rts-send").Uint32("pgn", pgn).Uint8("dst", dst).Logger()

	stream := t.lower.Read(t.timing.T3)
	defer stream.Close()

	sent, err := t.sendControl(ctx, dst, control{kind: ctlRTS, size: len(data), packets: n, maxPackets: 0xFF, pgn: pgn})
	if err != nil {
		return nil, fmt.Errorf("j1939: RTS: %w", err)
	}
	frags := sent.Fragments()
	sentAll := false
	for {
		c, ok := t.awaitControl(ctx, stream, dst, pgn)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if sentAll {
				return nil, ErrEOMTimeout
			}
			return nil, ErrCTSTimeout
		}
		switch c.kind {
		case ctlCTS:
			if c.packets == 0 {
				log.Warn().Msg("receiver is holding the connection open")
				stream.ResetTimeout(t.timing.T4)
				continue
			}
			if c.next < 1 || c.next > n {
				t.abort(dst, pgn, AbortBadSequence)
				return nil, fmt.Errorf("%w: CTS asks for %d of %d", ErrBadSequence, c.next, n)
			}
			last := min(c.next+c.packets-1, n)
			for seq := c.next; seq <= last; seq++ {
				dt, err := t.sendDT(ctx, dst, seq, data)
				if err != nil {
					return nil, fmt.Errorf("j1939: DT %d: %w", seq, err)
				}
				frags = append(frags, dt.Fragments()...)
			}
			if last == n {
				sentAll = true
			}
			stream.ResetTimeout(t.timing.T3)
		case ctlEOM:
			log.Debug().Msg("transfer acknowledged")
			return p.withSend(sent.Timestamp(), frags), nil
		case ctlAbort:
			return nil, &AbortError{Reason: c.reason, PGN: pgn, Source: dst}
		}
	}
}

// awaitControl returns the next CTS, EOM or Abort from peer about pgn.
func (t *Transport) awaitControl(ctx context.Context, stream *Stream, peer uint8, pgn uint32) (control, bool) {
	for {
		p, ok := stream.Next(ctx)
		if !ok {
			return control{}, false
		}
		if p.PGN() != PGNTPCM || p.Source() != peer || p.Destination() != t.lower.Address() {
			continue
		}
		c, err := parseControl(p.Payload())
		if err != nil || c.pgn != pgn {
			continue
		}
		switch c.kind {
		case ctlCTS, ctlEOM, ctlAbort:
			return c, true
		}
	}
}
