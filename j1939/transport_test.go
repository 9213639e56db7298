package j1939

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/notnil/j1939/canbus"
)

func newNode(t *testing.T, bus *canbus.LoopbackBus, addr uint8, opts ...Option) *Transport {
	t.Helper()
	tr := NewTransport(NewLink(bus.Open(), addr), opts...)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newBus(t *testing.T) *canbus.LoopbackBus {
	bus := canbus.NewLoopbackBus()
	t.Cleanup(func() { bus.Close() })
	return bus
}

// rawPeer drives the bus frame by frame, standing in for a remote ECU.
type rawPeer struct {
	t    *testing.T
	ep   canbus.Bus
	addr uint8
}

func newPeer(t *testing.T, bus *canbus.LoopbackBus, addr uint8) *rawPeer {
	ep := bus.Open()
	t.Cleanup(func() { ep.Close() })
	return &rawPeer{t: t, ep: ep, addr: addr}
}

func (p *rawPeer) send(pgn uint32, dst uint8, data []byte) {
	p.t.Helper()
	id := ID{Priority: 7, PGN: pgn, Destination: dst, Source: p.addr}
	f, err := canbus.NewExtendedFrame(id.CANID(), data)
	if err != nil {
		p.t.Fatalf("frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.ep.Send(ctx, f); err != nil {
		p.t.Fatalf("peer send: %v", err)
	}
}

func (p *rawPeer) control(dst uint8, c control) { p.send(PGNTPCM, dst, c.bytes()) }

// expect returns the next frame of pgn addressed to the peer or to all.
func (p *rawPeer) expect(pgn uint32, within time.Duration) (ID, []byte) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	for {
		f, err := p.ep.Receive(ctx)
		if err != nil {
			p.t.Fatalf("peer %02X waiting for pgn %04X: %v", p.addr, pgn, err)
		}
		id := ParseID(f.ID)
		if id.PGN == pgn && (id.Destination == p.addr || id.Destination == GlobalAddress) {
			return id, f.Payload()
		}
	}
}

func (p *rawPeer) expectControl(within time.Duration) control {
	p.t.Helper()
	_, data := p.expect(PGNTPCM, within)
	c, err := parseControl(data)
	if err != nil {
		p.t.Fatalf("peer got bad TP.CM %X: %v", data, err)
	}
	return c
}

// quiet fails if a frame of pgn reaches the peer within d.
func (p *rawPeer) quiet(pgn uint32, d time.Duration) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for {
		f, err := p.ep.Receive(ctx)
		if err != nil {
			return
		}
		if id := ParseID(f.ID); id.PGN == pgn && id.Destination == p.addr {
			p.t.Fatalf("unexpected frame %v", f)
		}
	}
}

func nextPacket(t *testing.T, s *Stream) *Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, ok := s.Next(ctx)
	if !ok {
		t.Fatalf("no packet")
	}
	return p
}

func waitPacket(p *Packet) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func fill(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

func TestTransportRoundTrip(t *testing.T) {
	fast := DefaultTiming()
	fast.BAMInterval = time.Millisecond
	for _, size := range []int{1, 7, 8, 14, 21, 1785} {
		for _, dst := range []uint8{0x20, GlobalAddress} {
			t.Run(fmt.Sprintf("%d_bytes_to_%02X", size, dst), func(t *testing.T) {
				bus := newBus(t)
				tx := newNode(t, bus, 0x10, WithTiming(fast))
				rx := newNode(t, bus, 0x20)
				in := rx.Read(10 * time.Second)
				defer in.Close()

				pgn := uint32(0xEF00)
				if dst == GlobalAddress {
					pgn = 0xFF10
				}
				payload := fill(size)
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
				defer cancel()
				sent, err := tx.Send(ctx, NewPacket(0, pgn, dst, 0x10, payload))
				if err != nil {
					t.Fatalf("send: %v", err)
				}

				got := nextPacket(t, in)
				if err := waitPacket(got); err != nil {
					t.Fatalf("reassembly: %v", err)
				}
				if !got.Valid() {
					t.Fatalf("packet not valid")
				}
				if got.PGN() != pgn || got.Source() != 0x10 || got.Destination() != dst {
					t.Fatalf("id = %+v", got.ID())
				}
				if !bytes.Equal(got.Payload(), payload) {
					t.Fatalf("payload mismatch: %d bytes", got.Len())
				}
				frames := 1
				if size > 8 {
					frames = 1 + packetCount(size)
				}
				if n := len(got.Fragments()); n != frames {
					t.Fatalf("received fragments = %d want %d", n, frames)
				}
				if n := len(sent.Fragments()); n != frames {
					t.Fatalf("sent fragments = %d want %d", n, frames)
				}
				if sent.Timestamp().IsZero() {
					t.Fatalf("sent packet has no timestamp")
				}
			})
		}
	}
}

func TestBAMReassembly(t *testing.T) {
	bus := newBus(t)
	rx := newNode(t, bus, 0x20)
	peer := newPeer(t, bus, 0x17)
	in := rx.Read(5 * time.Second)
	defer in.Close()

	payload := []byte("CMMNS*X15*79464646*ENG1*")
	peer.control(GlobalAddress, control{kind: ctlBAM, size: len(payload), packets: 4, pgn: PGNComponentIdentity})
	for _, seq := range []int{2, 1, 1, 4, 3} {
		peer.send(PGNTPDT, GlobalAddress, dtFrame(seq, payload))
	}

	p := nextPacket(t, in)
	if err := waitPacket(p); err != nil {
		t.Fatalf("reassembly: %v", err)
	}
	if !bytes.Equal(p.Payload(), payload) {
		t.Fatalf("payload = %q", p.Payload())
	}
	frags := p.Fragments()
	if len(frags) != 5 {
		t.Fatalf("fragments = %d, duplicate counted?", len(frags))
	}
	if ParseID(frags[0].Frame.ID).PGN != PGNTPCM {
		t.Fatalf("first fragment is not the announce")
	}
	m, _ := AsData(NewDecoder().Decode(p))
	if c, ok := m.(ComponentIdentification); !ok || c.Model != "X15" {
		t.Fatalf("decoded %#v", m)
	}
	if got := testutil.ToFloat64(rx.metrics.sessions.WithLabelValues("bam", outcomeComplete)); got != 1 {
		t.Fatalf("complete sessions = %v", got)
	}
}

func TestBAMMissingFrame(t *testing.T) {
	bus := newBus(t)
	rx := newNode(t, bus, 0x20)
	peer := newPeer(t, bus, 0x17)
	in := rx.Read(5 * time.Second)
	defer in.Close()

	payload := fill(20)
	peer.control(GlobalAddress, control{kind: ctlBAM, size: 20, packets: 3, pgn: 0xFF10})
	peer.send(PGNTPDT, GlobalAddress, dtFrame(1, payload))
	peer.send(PGNTPDT, GlobalAddress, dtFrame(3, payload))
	start := time.Now()

	p := nextPacket(t, in)
	err := waitPacket(p)
	if !errors.Is(err, ErrMissingDT) {
		t.Fatalf("want ErrMissingDT, got %v", err)
	}
	if d := time.Since(start); d < T1-50*time.Millisecond {
		t.Fatalf("failed after %v, before T1", d)
	}
	if p.Valid() {
		t.Fatalf("failed packet reported valid")
	}
	if got := testutil.ToFloat64(rx.metrics.sessions.WithLabelValues("bam", outcomeFailed)); got != 1 {
		t.Fatalf("failed sessions = %v", got)
	}
}

func TestBAMBadSequence(t *testing.T) {
	bus := newBus(t)
	rx := newNode(t, bus, 0x20)
	peer := newPeer(t, bus, 0x17)
	in := rx.Read(5 * time.Second)
	defer in.Close()

	peer.control(GlobalAddress, control{kind: ctlBAM, size: 20, packets: 3, pgn: 0xFF10})
	peer.send(PGNTPDT, GlobalAddress, []byte{9, 1, 2, 3, 4, 5, 6, 7})
	if err := waitPacket(nextPacket(t, in)); !errors.Is(err, ErrBadSequence) {
		t.Fatalf("want ErrBadSequence, got %v", err)
	}
}

func TestRTSReceiveWindow(t *testing.T) {
	timing := DefaultTiming()
	timing.T2 = 300 * time.Millisecond
	bus := newBus(t)
	rx := newNode(t, bus, 0x20, WithTiming(timing))
	peer := newPeer(t, bus, 0x17)
	in := rx.Read(10 * time.Second)
	defer in.Close()

	payload := fill(50)
	peer.control(0x20, control{kind: ctlRTS, size: 50, packets: 8, maxPackets: 3, pgn: 0xEF00})

	cts := func(next, count int) {
		t.Helper()
		c := peer.expectControl(2 * time.Second)
		if c.kind != ctlCTS || c.next != next || c.packets != count || c.pgn != 0xEF00 {
			t.Fatalf("got %+v want CTS next=%d count=%d", c, next, count)
		}
		if c.packets > 3 {
			t.Fatalf("CTS grants %d, above the announced maximum", c.packets)
		}
	}
	dt := func(seqs ...int) {
		for _, s := range seqs {
			peer.send(PGNTPDT, 0x20, dtFrame(s, payload))
		}
	}

	cts(1, 3)
	dt(1, 3) // 2 is lost; the round ends at T2
	cts(2, 1)
	dt(2)
	cts(4, 3)
	dt(4, 5, 6)
	cts(7, 2)
	dt(7, 8)

	eom := peer.expectControl(2 * time.Second)
	if eom.kind != ctlEOM || eom.size != 50 || eom.packets != 8 {
		t.Fatalf("got %+v want EOM", eom)
	}
	p := nextPacket(t, in)
	if err := waitPacket(p); err != nil {
		t.Fatalf("reassembly: %v", err)
	}
	if !bytes.Equal(p.Payload(), payload) || p.Destination() != 0x20 {
		t.Fatalf("payload mismatch")
	}
}

func TestRTSReceiveGivesUpAfterThreeRounds(t *testing.T) {
	timing := DefaultTiming()
	timing.T2 = 100 * time.Millisecond
	bus := newBus(t)
	rx := newNode(t, bus, 0x20, WithTiming(timing))
	peer := newPeer(t, bus, 0x17)
	in := rx.Read(5 * time.Second)
	defer in.Close()

	peer.control(0x20, control{kind: ctlRTS, size: 20, packets: 3, maxPackets: 0xFF, pgn: 0xEF00})
	for i := 0; i < 3; i++ {
		if c := peer.expectControl(time.Second); c.kind != ctlCTS || c.next != 1 || c.packets != 3 {
			t.Fatalf("round %d: got %+v", i, c)
		}
	}
	if c := peer.expectControl(time.Second); c.kind != ctlAbort || c.reason != AbortTimeout {
		t.Fatalf("got %+v want abort reason 3", c)
	}
	if err := waitPacket(nextPacket(t, in)); !errors.Is(err, ErrNoDT) {
		t.Fatalf("want ErrNoDT, got %v", err)
	}
}

func TestRTSReceiveAbortFromPeer(t *testing.T) {
	bus := newBus(t)
	rx := newNode(t, bus, 0x20)
	peer := newPeer(t, bus, 0x17)
	in := rx.Read(5 * time.Second)
	defer in.Close()

	payload := fill(20)
	peer.control(0x20, control{kind: ctlRTS, size: 20, packets: 3, maxPackets: 0xFF, pgn: 0xEF00})
	peer.expectControl(time.Second)
	peer.send(PGNTPDT, 0x20, dtFrame(1, payload))
	peer.control(0x20, control{kind: ctlAbort, reason: AbortTimeout, pgn: 0xEF00})

	err := waitPacket(nextPacket(t, in))
	var ae *AbortError
	if !errors.As(err, &ae) || ae.Reason != AbortTimeout || ae.Source != 0x17 {
		t.Fatalf("want abort reason 3, got %v", err)
	}
	if !strings.Contains(err.Error(), AbortReason(AbortTimeout)) {
		t.Fatalf("reason text missing from %q", err)
	}
}

func TestRTSReceiveAbortsMalformedDT(t *testing.T) {
	for _, tc := range []struct {
		name   string
		dt     []byte
		reason uint8
		err    error
	}{
		{"short", []byte{1, 0xAA, 0xBB}, AbortOther, ErrShortFrame},
		{"sequence", []byte{4, 1, 2, 3, 4, 5, 6, 7}, AbortBadSequence, ErrBadSequence},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bus := newBus(t)
			rx := newNode(t, bus, 0x20)
			peer := newPeer(t, bus, 0x17)
			in := rx.Read(5 * time.Second)
			defer in.Close()

			peer.control(0x20, control{kind: ctlRTS, size: 20, packets: 3, maxPackets: 0xFF, pgn: 0xEF00})
			if c := peer.expectControl(time.Second); c.kind != ctlCTS {
				t.Fatalf("got %+v want CTS", c)
			}
			peer.send(PGNTPDT, 0x20, tc.dt)
			if c := peer.expectControl(time.Second); c.kind != ctlAbort || c.reason != tc.reason || c.pgn != 0xEF00 {
				t.Fatalf("got %+v want abort reason %d", c, tc.reason)
			}
			if err := waitPacket(nextPacket(t, in)); !errors.Is(err, tc.err) {
				t.Fatalf("want %v, got %v", tc.err, err)
			}
		})
	}
}

func TestRTSReceiveRefusals(t *testing.T) {
	bus := newBus(t)
	newNode(t, bus, 0x20, WithMaxSessions(1))
	a := newPeer(t, bus, 0x17)
	b := newPeer(t, bus, 0x18)

	b.control(0x20, control{kind: ctlRTS, size: 1786, packets: 255, maxPackets: 0xFF, pgn: 0xEF00})
	if c := b.expectControl(time.Second); c.kind != ctlAbort || c.reason != AbortTooLarge {
		t.Fatalf("oversize: got %+v", c)
	}

	a.control(0x20, control{kind: ctlRTS, size: 20, packets: 3, maxPackets: 0xFF, pgn: 0xEF00})
	if c := a.expectControl(time.Second); c.kind != ctlCTS {
		t.Fatalf("first session: got %+v", c)
	}
	b.control(0x20, control{kind: ctlRTS, size: 20, packets: 3, maxPackets: 0xFF, pgn: 0xEF00})
	if c := b.expectControl(time.Second); c.kind != ctlAbort || c.reason != AbortAlreadyInSession {
		t.Fatalf("pool full: got %+v", c)
	}
}

func TestRTSSendHoldOpen(t *testing.T) {
	bus := newBus(t)
	tx := newNode(t, bus, 0x10)
	peer := newPeer(t, bus, 0x20)

	payload := fill(20)
	res := make(chan error, 1)
	go func() {
		_, err := tx.Send(context.Background(), NewPacket(0, 0xEF00, 0x20, 0x10, payload))
		res <- err
	}()

	rts := peer.expectControl(time.Second)
	if rts.kind != ctlRTS || rts.size != 20 || rts.packets != 3 || rts.pgn != 0xEF00 {
		t.Fatalf("got %+v want RTS", rts)
	}
	peer.control(0x10, control{kind: ctlCTS, packets: 0, pgn: 0xEF00})
	peer.quiet(PGNTPDT, 600*time.Millisecond)
	peer.control(0x10, control{kind: ctlCTS, packets: 2, next: 1, pgn: 0xEF00})
	for _, want := range []int{1, 2} {
		if _, d := peer.expect(PGNTPDT, time.Second); int(d[0]) != want {
			t.Fatalf("DT seq %d want %d", d[0], want)
		}
	}
	peer.quiet(PGNTPDT, 100*time.Millisecond)
	peer.control(0x10, control{kind: ctlCTS, packets: 1, next: 3, pgn: 0xEF00})
	if _, d := peer.expect(PGNTPDT, time.Second); d[0] != 3 || !bytes.Equal(d[1:7], payload[14:20]) || d[7] != 0xFF {
		t.Fatalf("last DT = %X", d)
	}
	peer.control(0x10, control{kind: ctlEOM, size: 20, packets: 3, pgn: 0xEF00})

	select {
	case err := <-res:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send did not finish")
	}
}

func TestRTSSendTimeouts(t *testing.T) {
	timing := DefaultTiming()
	timing.T3 = 100 * time.Millisecond
	timing.T4 = 150 * time.Millisecond

	cases := []struct {
		name string
		peer func(p *rawPeer)
		want error
	}{
		{"no CTS", func(p *rawPeer) {}, ErrCTSTimeout},
		{"hold then silence", func(p *rawPeer) {
			p.control(0x10, control{kind: ctlCTS, packets: 0, pgn: 0xEF00})
		}, ErrCTSTimeout},
		{"no EOM", func(p *rawPeer) {
			p.control(0x10, control{kind: ctlCTS, packets: 3, next: 1, pgn: 0xEF00})
		}, ErrEOMTimeout},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			bus := newBus(t)
			tx := newNode(t, bus, 0x10, WithTiming(timing))
			peer := newPeer(t, bus, 0x20)
			res := make(chan error, 1)
			go func() {
				_, err := tx.Send(context.Background(), NewPacket(0, 0xEF00, 0x20, 0x10, fill(20)))
				res <- err
			}()
			peer.expectControl(time.Second)
			c.peer(peer)
			select {
			case err := <-res:
				if !errors.Is(err, c.want) {
					t.Fatalf("want %v, got %v", c.want, err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("send did not time out")
			}
		})
	}
}

func TestRTSSendAbort(t *testing.T) {
	bus := newBus(t)
	tx := newNode(t, bus, 0x10)
	peer := newPeer(t, bus, 0x20)
	res := make(chan error, 1)
	go func() {
		_, err := tx.Send(context.Background(), NewPacket(0, 0xEF00, 0x20, 0x10, fill(20)))
		res <- err
	}()
	peer.expectControl(time.Second)
	peer.control(0x10, control{kind: ctlAbort, reason: AbortTimeout, pgn: 0xEF00})

	err := <-res
	var ae *AbortError
	if !errors.As(err, &ae) || ae.Reason != AbortTimeout {
		t.Fatalf("want abort, got %v", err)
	}
	if !strings.Contains(err.Error(), "A timeout occurred and this is the connection abort to close the session") {
		t.Fatalf("reason text missing from %q", err)
	}
}

func TestBAMSendPacing(t *testing.T) {
	bus := newBus(t)
	tx := newNode(t, bus, 0x10)
	peer := newPeer(t, bus, 0x20)

	start := time.Now()
	res := make(chan error, 1)
	go func() {
		_, err := tx.Send(context.Background(), NewPacket(0, 0xFF10, GlobalAddress, 0x10, fill(20)))
		res <- err
	}()
	if c := peer.expectControl(time.Second); c.kind != ctlBAM || c.size != 20 || c.packets != 3 || c.maxPackets != 0 {
		t.Fatalf("got %+v want BAM", c)
	}
	for seq := 1; seq <= 3; seq++ {
		if _, d := peer.expect(PGNTPDT, time.Second); int(d[0]) != seq {
			t.Fatalf("DT seq %d want %d", d[0], seq)
		}
	}
	if err := <-res; err != nil {
		t.Fatalf("send: %v", err)
	}
	if d := time.Since(start); d < 3*BAMInterval {
		t.Fatalf("BAM sent in %v, not paced", d)
	}
}

func TestSendTooLarge(t *testing.T) {
	bus := newBus(t)
	tx := newNode(t, bus, 0x10)
	if _, err := tx.Send(context.Background(), NewPacket(0, 0xEF00, 0x20, 0x10, fill(MaxPayload+1))); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}

func TestTransportPassthroughAndClose(t *testing.T) {
	bus := newBus(t)
	rx := NewTransport(NewLink(bus.Open(), 0x20))
	peer := newPeer(t, bus, 0x17)
	in := rx.Read(5 * time.Second)
	defer in.Close()

	peer.send(PGNRequest, 0x20, []byte{0xEB, 0xFE, 0x00})
	peer.send(PGNTPDT, 0x20, dtFrame(1, fill(7)))
	peer.control(GlobalAddress, control{kind: ctlBAM, size: 20, packets: 3, pgn: 0xFF10})

	req := nextPacket(t, in)
	if pgn, ok := RequestedPGN(req); !ok || pgn != PGNComponentIdentity || req.Source() != 0x17 {
		t.Fatalf("passthrough got %v", req)
	}
	pending := nextPacket(t, in)
	if pending.PGN() != 0xFF10 || pending.Len() != 20 || pending.Valid() {
		t.Fatalf("placeholder = %v", pending)
	}
	select {
	case <-pending.Done():
		t.Fatalf("placeholder already done")
	default:
	}

	if err := rx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := waitPacket(pending); err == nil {
		t.Fatalf("pending packet survived Close")
	}
	if _, ok := in.Next(context.Background()); ok {
		t.Fatalf("stream still open after Close")
	}
}
