package j1939

import (
	"context"
	"sync"
	"time"
)

// hub fans published packets out to every open Stream.
type hub struct {
	mu      sync.Mutex
	streams map[*Stream]struct{}
	closed  bool
}

func newHub() *hub { return &hub{streams: make(map[*Stream]struct{})} }

func (h *hub) publish(p *Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.streams {
		s.push(p)
	}
}

// open registers a stream. timeout 0 means no deadline.
func (h *hub) open(timeout time.Duration) *Stream {
	s := &Stream{hub: h, wake: make(chan struct{}, 1)}
	if timeout > 0 {
		s.deadline = time.Now().Add(timeout)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		return s
	}
	h.streams[s] = struct{}{}
	return s
}

func (h *hub) remove(s *Stream) {
	h.mu.Lock()
	delete(h.streams, s)
	h.mu.Unlock()
}

// close ends every stream; later opens return closed streams.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.streams {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.signal()
		delete(h.streams, s)
	}
}

// Stream is a sequence of packets received after it was opened. Next
// reports the end of the sequence once the deadline has passed with nothing
// queued, after Close, or when the bus closes. ResetTimeout extends a
// stream whose deadline has passed; packets keep queueing until Close.
type Stream struct {
	hub  *hub
	wake chan struct{}

	mu       sync.Mutex
	queue    []*Packet
	deadline time.Time
	closed   bool
}

func (s *Stream) push(p *Packet) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the next packet, or false once the stream has ended or ctx
// is done.
func (s *Stream) Next(ctx context.Context) (*Packet, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		var timer *time.Timer
		var expiry <-chan time.Time
		if !s.deadline.IsZero() {
			wait := time.Until(s.deadline)
			if wait <= 0 {
				s.mu.Unlock()
				return nil, false
			}
			timer = time.NewTimer(wait)
			expiry = timer.C
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-expiry:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil, false
		}
	}
}

// ResetTimeout moves the deadline to now+d.
func (s *Stream) ResetTimeout(d time.Duration) {
	s.mu.Lock()
	s.deadline = time.Now().Add(d)
	s.mu.Unlock()
	s.signal()
}

// Duplicate forks a stream that starts with every packet s has buffered but
// not yet returned, then receives the same packets as s. The fork keeps the
// current deadline.
func (s *Stream) Duplicate() *Stream {
	d := &Stream{hub: s.hub, wake: make(chan struct{}, 1)}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.mu.Lock()
	d.queue = append([]*Packet(nil), s.queue...)
	d.deadline = s.deadline
	d.closed = s.closed || s.hub.closed
	s.mu.Unlock()
	if !d.closed {
		s.hub.streams[d] = struct{}{}
	}
	return d
}

// Close ends the stream. Queued packets are discarded.
func (s *Stream) Close() {
	s.hub.remove(s)
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}
