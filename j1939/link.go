package j1939

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/notnil/j1939/canbus"
)

// Bus is the packet-level view of a J1939 network.
type Bus interface {
	// Read opens a Stream of packets received from now on. timeout 0
	// means no deadline.
	Read(timeout time.Duration) *Stream
	// Send transmits p and returns the packet as sent, stamped with its
	// send time.
	Send(ctx context.Context, p *Packet) (*Packet, error)
	// Address is the source address of this node.
	Address() uint8
	Close() error
}

// Link is the single-frame Bus over a canbus.Bus. Only extended data
// frames are surfaced; payloads longer than 8 bytes need a Transport.
type Link struct {
	bus  canbus.Bus
	mux  *canbus.Mux
	addr uint8
	now  func() time.Time
	log  zerolog.Logger
	hub  *hub
	done chan struct{}
}

var _ Bus = (*Link)(nil)

// NewLink starts reading bus. The Link owns bus and closes it on Close.
func NewLink(bus canbus.Bus, address uint8, opts ...Option) *Link {
	o := buildOptions(opts)
	l := &Link{
		bus:  bus,
		mux:  canbus.NewMux(bus),
		addr: address,
		now:  o.now,
		log:  o.logger,
		hub:  newHub(),
		done: make(chan struct{}),
	}
	frames, _ := l.mux.Subscribe(canbus.And(canbus.ExtendedOnly(), canbus.DataOnly()), 1024)
	go l.run(frames)
	return l
}

func (l *Link) run(frames <-chan canbus.Frame) {
	defer close(l.done)
	for f := range frames {
		l.hub.publish(packetFromFrame(f, l.now()))
	}
	if err := l.mux.Err(); err != nil {
		l.log.Error().Err(err).Msg("bus read failed")
	}
	l.hub.close()
}

// Read opens a Stream of every packet received after the call.
func (l *Link) Read(timeout time.Duration) *Stream { return l.hub.open(timeout) }

// Send writes a single frame packet and returns it stamped with the send
// time. Payloads above 8 bytes fail with ErrFrameTooLong.
func (l *Link) Send(ctx context.Context, p *Packet) (*Packet, error) {
	f, err := p.frame()
	if err != nil {
		return nil, err
	}
	if err := l.bus.Send(ctx, f); err != nil {
		return nil, fmt.Errorf("j1939: send %s: %w", p.ID(), err)
	}
	at := l.now()
	return p.withSend(at, []Fragment{{Time: at, Frame: f}}), nil
}

// Address is the source address this link sends from.
func (l *Link) Address() uint8 { return l.addr }

// Close stops reading, ends every open Stream and closes the bus.
func (l *Link) Close() error {
	_ = l.mux.Close()
	<-l.done
	return l.bus.Close()
}
