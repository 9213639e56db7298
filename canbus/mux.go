package canbus

import (
	"context"
	"sync"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Mux multiplexes frames from a Bus to any number of subscribers via filters.
//
// It runs a single background goroutine calling Receive on the bus and fans
// each frame out to every matching subscriber. A subscriber whose buffer is
// full misses the frame; the bus is never stalled by a slow consumer.
//
// Send is not proxied; callers keep using the original Bus to Send.
type Mux struct {
	bus    Bus
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64
	err  error
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
}

// NewMux creates and starts a multiplexer bound to the given Bus.
func NewMux(bus Bus) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		bus:    bus,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]*subscriber),
	}
	go m.run(ctx)
	return m
}

// Close stops the background reader and closes all subscriber channels.
// It does not close the underlying Bus.
func (m *Mux) Close() error {
	m.cancel()
	<-m.done
	return nil
}

// Done is closed once the reader has stopped, either through Close or
// because the bus returned an error.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the error that stopped the reader, if any.
func (m *Mux) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Subscribe registers a subscriber with the provided filter and channel buffer.
// A nil filter matches every frame. The cancel function closes the channel.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer)}
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	default:
	}
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return s.ch, cancel
}

func (m *Mux) run(ctx context.Context) {
	defer close(m.done)
	for {
		f, err := m.bus.Receive(ctx)
		if err != nil {
			m.mu.Lock()
			if ctx.Err() == nil {
				m.err = err
			}
			for id, s := range m.subs {
				close(s.ch)
				delete(m.subs, id)
			}
			m.mu.Unlock()
			return
		}
		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter == nil || s.filter(f) {
				select {
				case s.ch <- f:
				default:
				}
			}
		}
		m.mu.RUnlock()
	}
}
