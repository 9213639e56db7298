package j1939

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Transport is a Bus that carries payloads up to MaxPayload bytes using
// the J1939-21 transport protocol.
//
// A single reader scans the lower Bus for BAM and RTS announces. Each
// accepted announce publishes a pending Packet right away and hands
// reassembly to a session on a bounded pool; the packet completes or fails
// when the session ends. Every other packet passes straight through.
type Transport struct {
	lower   Bus
	timing  Timing
	log     zerolog.Logger
	inbound *hub
	metrics *transportMetrics

	pool errgroup.Group

	mu     sync.Mutex // orders session registration against release
	active *ttlcache.Cache[sessionKey, *rxSession]

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*Transport)(nil)

type sessionKind string

const (
	kindBAM sessionKind = "bam"
	kindRTS sessionKind = "rts"
)

type sessionKey struct {
	src, dst uint8
	kind     sessionKind
}

// NewTransport starts the reassembly engine over lower. The Transport owns
// lower and closes it on Close.
func NewTransport(lower Bus, opts ...Option) *Transport {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		lower:   lower,
		timing:  o.timing,
		log:     o.logger,
		inbound: newHub(),
		metrics: newTransportMetrics(o.registerer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.pool.SetLimit(o.maxSessions)
	t.active = ttlcache.New[sessionKey, *rxSession](
		ttlcache.WithTTL[sessionKey, *rxSession](2*o.timing.T2),
		ttlcache.WithDisableTouchOnHit[sessionKey, *rxSession](),
	)
	t.active.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, it *ttlcache.Item[sessionKey, *rxSession]) {
		if reason == ttlcache.EvictionReasonExpired {
			it.Value().cancel(ErrSessionExpired)
		}
	})
	go t.active.Start()

	// Open before returning so no announce sent after NewTransport is missed.
	stream := lower.Read(0)
	go t.run(stream)
	return t
}

func (t *Transport) run(stream *Stream) {
	defer close(t.done)
	defer stream.Close()
	for {
		p, ok := stream.Next(t.ctx)
		if !ok {
			break
		}
		switch p.PGN() {
		case PGNTPCM:
			t.announce(stream, p)
		case PGNTPDT:
		default:
			t.inbound.publish(p)
		}
	}
	t.inbound.close()
}

// announce starts a session for a BAM, or for an RTS addressed to this
// node. Other control frames belong to a sender or a running session.
func (t *Transport) announce(stream *Stream, p *Packet) {
	ctl, err := parseControl(p.Payload())
	if err != nil {
		t.log.Debug().Err(err).Uint8("src", p.Source()).Msg("ignoring TP.CM")
		return
	}
	var kind sessionKind
	switch {
	case ctl.kind == ctlBAM && p.Destination() == GlobalAddress:
		kind = kindBAM
	case ctl.kind == ctlRTS && p.Destination() == t.lower.Address():
		kind = kindRTS
	default:
		return
	}
	log := t.log.With().
		Str("session", string(kind)).
		Uint32("pgn", ctl.pgn).
		Uint8("src", p.Source()).
		Int("size", ctl.size).
		Logger()

	buf, err := newSegments(ctl.size, ctl.packets)
	if err != nil {
		log.Warn().Err(err).Msg("refusing transport announce")
		t.metrics.session(kind, outcomeRejected)
		if kind == kindRTS {
			reason := AbortOther
			if errors.Is(err, ErrTooLarge) {
				reason = AbortTooLarge
			}
			t.abort(p.Source(), ctl.pgn, reason)
		}
		return
	}

	id := ID{Priority: p.Priority(), PGN: ctl.pgn, Destination: p.Destination(), Source: p.Source()}
	ctx, cancel := context.WithCancelCause(t.ctx)
	s := &rxSession{
		t:      t,
		key:    sessionKey{src: p.Source(), dst: p.Destination(), kind: kind},
		ctl:    ctl,
		buf:    buf,
		pkt:    newPending(id, p.Fragments()[0], buf.data),
		stream: stream.Duplicate(),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}

	t.mu.Lock()
	if it := t.active.Get(s.key); it != nil {
		log.Warn().Msg("new announce replaces running session")
		it.Value().cancel(ErrSuperseded)
	}
	started := t.pool.TryGo(func() error {
		s.run()
		return nil
	})
	if started {
		t.active.Set(s.key, s, ttlcache.DefaultTTL)
	}
	t.mu.Unlock()

	if !started {
		s.stream.Close()
		cancel(ErrPoolExhausted)
		log.Warn().Err(ErrPoolExhausted).Msg("refusing transport announce")
		t.metrics.session(kind, outcomeRejected)
		if kind == kindRTS {
			t.abort(p.Source(), ctl.pgn, AbortAlreadyInSession)
		}
		return
	}
	log.Debug().Int("packets", ctl.packets).Msg("transport session started")
	t.inbound.publish(s.pkt)
}

func (t *Transport) touch(key sessionKey) { t.active.Touch(key) }

func (t *Transport) release(s *rxSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it := t.active.Get(s.key); it != nil && it.Value() == s {
		t.active.Delete(s.key)
	}
}

func (t *Transport) sendControl(ctx context.Context, dst uint8, c control) (*Packet, error) {
	return t.lower.Send(ctx, NewPacket(7, PGNTPCM, dst, t.lower.Address(), c.bytes()))
}

func (t *Transport) sendDT(ctx context.Context, dst uint8, seq int, data []byte) (*Packet, error) {
	return t.lower.Send(ctx, NewPacket(7, PGNTPDT, dst, t.lower.Address(), dtFrame(seq, data)))
}

// abort sends a Connection Abort. Failures are logged; the session is over
// either way.
func (t *Transport) abort(dst uint8, pgn uint32, reason uint8) {
	if _, err := t.sendControl(t.ctx, dst, control{kind: ctlAbort, reason: reason, pgn: pgn}); err != nil {
		t.log.Error().Err(err).Uint8("dst", dst).Uint32("pgn", pgn).Msg("send connection abort failed")
	}
}

// Read opens a Stream of inbound packets. Reassembled packets appear when
// their announce arrives and may still be pending; see Packet.Done.
func (t *Transport) Read(timeout time.Duration) *Stream { return t.inbound.open(timeout) }

// Send transmits p, segmenting payloads longer than 8 bytes: BAM for the
// global address, RTS/CTS otherwise.
func (t *Transport) Send(ctx context.Context, p *Packet) (*Packet, error) {
	n := p.Len()
	switch {
	case n <= 8:
		return t.lower.Send(ctx, p)
	case n > MaxPayload:
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	case p.Destination() == GlobalAddress:
		return t.sendBAM(ctx, p)
	default:
		return t.sendRTS(ctx, p)
	}
}

// Address is the source address of the underlying Bus.
func (t *Transport) Address() uint8 { return t.lower.Address() }

// Close stops the reader, fails running sessions and closes the lower Bus.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
		_ = t.pool.Wait()
		t.active.Stop()
		t.inbound.close()
		err = t.lower.Close()
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
