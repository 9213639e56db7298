package j1939

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// maxIdleRounds is the number of consecutive CTS rounds without new data
// after which an RTS session gives up.
const maxIdleRounds = 3

// rxSession reassembles one BAM or RTS transfer. Only its own goroutine
// touches buf; pkt is shared and written through Packet.fill.
type rxSession struct {
	t      *Transport
	key    sessionKey
	ctl    control
	buf    *segments
	pkt    *Packet
	stream *Stream
	ctx    context.Context
	cancel context.CancelCauseFunc
	log    zerolog.Logger
}

type step int

const (
	stepContinue step = iota
	stepComplete
	stepAborted
)

// stepResult is the outcome of feeding one packet to a session.
type stepResult struct {
	step step
	err  error
}

func aborted(err error) stepResult { return stepResult{step: stepAborted, err: err} }

// abortReasonFor maps a local session failure to the reason sent to the peer.
func abortReasonFor(err error) uint8 {
	if errors.Is(err, ErrBadSequence) {
		return AbortBadSequence
	}
	return AbortOther
}

func (s *rxSession) run() {
	defer s.stream.Close()
	var err error
	if s.key.kind == kindBAM {
		err = s.receiveBAM()
	} else {
		err = s.receiveRTS()
	}
	s.pkt.finish(err)
	s.t.release(s)
	s.cancel(nil)

	if err != nil {
		s.log.Warn().Err(err).Msg("transport session failed")
		s.t.metrics.session(s.key.kind, outcomeFailed)
		return
	}
	s.log.Debug().Msg("transport session complete")
	s.t.metrics.session(s.key.kind, outcomeComplete)
}

// ended explains why the stream stopped before the transfer completed.
func (s *rxSession) ended(cause error) error {
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	return fmt.Errorf("%w: %d of %d packets", cause, s.buf.count, s.buf.n)
}

func (s *rxSession) receiveBAM() error {
	s.stream.ResetTimeout(s.t.timing.T2)
	for {
		p, ok := s.stream.Next(s.ctx)
		if !ok {
			return s.ended(ErrMissingDT)
		}
		switch r := s.stepBAM(p); r.step {
		case stepComplete:
			return nil
		case stepAborted:
			return r.err
		}
	}
}

func (s *rxSession) stepBAM(p *Packet) stepResult {
	if p.Source() != s.key.src {
		return stepResult{}
	}
	switch p.PGN() {
	case PGNTPDT:
		if p.Destination() != GlobalAddress {
			return stepResult{}
		}
		return s.data(p, s.t.timing.T1)
	case PGNTPCM:
		return s.control(p)
	}
	return stepResult{}
}

func (s *rxSession) receiveRTS() error {
	limit := s.ctl.maxPackets
	if limit == 0 || limit > s.buf.n {
		limit = s.buf.n
	}
	idle := 0
	for !s.buf.complete() {
		if idle == maxIdleRounds {
			s.t.abort(s.key.src, s.ctl.pgn, AbortTimeout)
			return fmt.Errorf("%w: %d of %d packets after %d CTS", ErrNoDT, s.buf.count, s.buf.n, idle)
		}
		next, count := s.buf.window(limit)
		cts := control{kind: ctlCTS, packets: count, next: next, pgn: s.ctl.pgn}
		if _, err := s.t.sendControl(s.ctx, s.key.src, cts); err != nil {
			s.log.Error().Err(err).Msg("send CTS failed")
		}
		s.t.touch(s.key)
		s.stream.ResetTimeout(s.t.timing.T2)

		before := s.buf.count
	round:
		for s.buf.count-before < count {
			p, ok := s.stream.Next(s.ctx)
			if !ok {
				if s.ctx.Err() != nil {
					return context.Cause(s.ctx)
				}
				break
			}
			switch r := s.stepRTS(p); r.step {
			case stepComplete:
				break round
			case stepAborted:
				var ae *AbortError
				if !errors.As(r.err, &ae) {
					s.t.abort(s.key.src, s.ctl.pgn, abortReasonFor(r.err))
				}
				return r.err
			}
		}
		if s.buf.count == before {
			idle++
		} else {
			idle = 0
		}
	}
	eom := control{kind: ctlEOM, size: len(s.buf.data), packets: s.buf.n, pgn: s.ctl.pgn}
	if _, err := s.t.sendControl(s.ctx, s.key.src, eom); err != nil {
		s.log.Error().Err(err).Msg("send EOM failed")
	}
	return nil
}

func (s *rxSession) stepRTS(p *Packet) stepResult {
	if p.Source() != s.key.src || p.Destination() != s.key.dst {
		return stepResult{}
	}
	switch p.PGN() {
	case PGNTPDT:
		return s.data(p, s.t.timing.T2)
	case PGNTPCM:
		return s.control(p)
	}
	return stepResult{}
}

// data stores one DT frame and moves the silence deadline.
func (s *rxSession) data(p *Packet, silence time.Duration) stepResult {
	payload := p.Payload()
	if len(payload) < 2 {
		return aborted(fmt.Errorf("%w: DT length %d", ErrShortFrame, len(payload)))
	}
	fresh, err := s.pkt.fill(p.Fragments()[0], func() (bool, error) {
		return s.buf.put(int(payload[0]), payload[1:])
	})
	if err != nil {
		return aborted(err)
	}
	s.stream.ResetTimeout(silence)
	if fresh {
		s.t.touch(s.key)
	}
	if s.buf.complete() {
		return stepResult{step: stepComplete}
	}
	return stepResult{}
}

// control handles a TP.CM frame from the peer during reassembly. Only a
// Connection Abort for this PGN matters.
func (s *rxSession) control(p *Packet) stepResult {
	c, err := parseControl(p.Payload())
	if err != nil || c.kind != ctlAbort || c.pgn != s.ctl.pgn {
		return stepResult{}
	}
	return aborted(&AbortError{Reason: c.reason, PGN: c.pgn, Source: p.Source()})
}
