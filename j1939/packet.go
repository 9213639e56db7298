package j1939

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/notnil/j1939/canbus"
)

// Fragment is one raw frame that contributed to a Packet.
type Fragment struct {
	Time  time.Time
	Frame canbus.Frame
}

// Packet is a J1939 message: either a single frame or a transport protocol
// message reassembled from an announce and its DT frames.
//
// A reassembled packet is published as soon as its announce arrives and is
// filled in by the owning session. Until Done is closed its payload is a
// partial snapshot; after Done, Err reports whether reassembly succeeded.
type Packet struct {
	id   ID
	time time.Time

	mu        sync.RWMutex
	payload   []byte
	fragments []Fragment
	err       error
	done      chan struct{}
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// NewPacket builds a complete packet to send. Priority 0 selects
// DefaultPriority.
func NewPacket(priority uint8, pgn uint32, dst, src uint8, payload []byte) *Packet {
	if priority == 0 {
		priority = DefaultPriority
	}
	if !PDU1(pgn) {
		dst = GlobalAddress
	}
	return &Packet{
		id:      ID{Priority: priority, PGN: pgn, Destination: dst, Source: src},
		payload: append([]byte(nil), payload...),
		done:    closedDone,
	}
}

// packetFromFrame wraps a received single frame.
func packetFromFrame(f canbus.Frame, at time.Time) *Packet {
	return &Packet{
		id:        ParseID(f.ID),
		time:      at,
		payload:   append([]byte(nil), f.Payload()...),
		fragments: []Fragment{{Time: at, Frame: f}},
		done:      closedDone,
	}
}

// newPending starts a reassembled packet whose payload aliases buf. The
// owning session writes buf only through fill.
func newPending(id ID, announce Fragment, buf []byte) *Packet {
	return &Packet{
		id:        id,
		time:      announce.Time,
		payload:   buf,
		fragments: []Fragment{announce},
		done:      make(chan struct{}),
	}
}

// fill runs write under the packet lock and records frag when write
// succeeds.
func (p *Packet) fill(frag Fragment, write func() (bool, error)) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fresh, err := write()
	if err == nil && fresh {
		p.fragments = append(p.fragments, frag)
	}
	return fresh, err
}

// finish closes Done. err nil marks the packet complete.
func (p *Packet) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.err = err
	close(p.done)
}

// withSend returns a copy of p stamped with the time it went on the wire
// and the frames that carried it.
func (p *Packet) withSend(at time.Time, frags []Fragment) *Packet {
	return &Packet{
		id:        p.id,
		time:      at,
		payload:   p.Payload(),
		fragments: frags,
		done:      closedDone,
	}
}

func (p *Packet) ID() ID               { return p.id }
func (p *Packet) PGN() uint32          { return p.id.PGN }
func (p *Packet) Source() uint8        { return p.id.Source }
func (p *Packet) Destination() uint8   { return p.id.Destination }
func (p *Packet) Priority() uint8      { return p.id.Priority }
func (p *Packet) Timestamp() time.Time { return p.time }

// Len is the declared payload length.
func (p *Packet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.payload)
}

// Payload returns a copy of the payload.
func (p *Packet) Payload() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.payload...)
}

// Fragments returns the raw frames in arrival order, announce first.
func (p *Packet) Fragments() []Fragment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Fragment(nil), p.fragments...)
}

// Done is closed once the packet is complete or has failed.
func (p *Packet) Done() <-chan struct{} { return p.done }

// Err is the reassembly failure, nil while pending or when complete.
func (p *Packet) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// Valid reports whether the packet is complete and intact.
func (p *Packet) Valid() bool {
	select {
	case <-p.done:
		return p.Err() == nil
	default:
		return false
	}
}

// Wait blocks until the packet is complete or has failed.
func (p *Packet) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frame renders a single-frame packet.
func (p *Packet) frame() (canbus.Frame, error) {
	data := p.Payload()
	if len(data) > 8 {
		return canbus.Frame{}, ErrFrameTooLong
	}
	return canbus.NewExtendedFrame(p.id.CANID(), data)
}

// String renders the packet as "18FEEB00 [17] 31 32 ...", using the
// identifier of the message itself rather than of its transport frames.
func (p *Packet) String() string {
	var b strings.Builder
	data := p.Payload()
	fmt.Fprintf(&b, "%08X [%d]", p.id.CANID(), len(data))
	for _, v := range data {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}
