package j1939

import (
	"fmt"
	"math/bits"
)

// segments is the reassembly buffer of one transport session: the payload
// plus a bitset of the DT sequence numbers received so far. Sequence n
// (1-based) covers bytes [(n-1)*7, n*7) clipped to the declared length.
type segments struct {
	data  []byte
	n     int
	seen  [4]uint64 // bit s set once sequence s arrived; 256 bits cover 1..255
	count int
}

func newSegments(size, n int) (*segments, error) {
	switch {
	case size > MaxPayload:
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	case size < 9 || n < 2 || n > 255:
		return nil, fmt.Errorf("%w: %d bytes in %d packets", ErrBadAnnounce, size, n)
	case n != packetCount(size):
		return nil, fmt.Errorf("%w: %d bytes need %d packets, announced %d", ErrBadAnnounce, size, packetCount(size), n)
	}
	return &segments{data: make([]byte, size), n: n}, nil
}

func (s *segments) has(seq int) bool { return s.seen[seq/64]&(1<<(seq%64)) != 0 }

// put stores the DT payload for seq. It reports whether seq was new; a
// duplicate leaves the buffer untouched.
func (s *segments) put(seq int, chunk []byte) (bool, error) {
	if seq < 1 || seq > s.n {
		return false, fmt.Errorf("%w: %d not in 1..%d", ErrBadSequence, seq, s.n)
	}
	if s.has(seq) {
		return false, nil
	}
	off := (seq - 1) * 7
	end := min(off+7, len(s.data))
	if len(chunk) < end-off {
		return false, fmt.Errorf("%w: DT %d carries %d bytes", ErrShortFrame, seq, len(chunk))
	}
	copy(s.data[off:end], chunk)
	s.seen[seq/64] |= 1 << (seq % 64)
	s.count = 0
	for _, w := range s.seen {
		s.count += bits.OnesCount64(w)
	}
	return true, nil
}

func (s *segments) complete() bool { return s.count == s.n }

// window returns the first missing sequence number and the length of the
// run of missing sequences starting there, capped at limit.
func (s *segments) window(limit int) (first, run int) {
	for seq := 1; seq <= s.n; seq++ {
		if s.has(seq) {
			if first != 0 {
				break
			}
			continue
		}
		if first == 0 {
			first = seq
		}
		run++
		if run == limit {
			break
		}
	}
	return first, run
}
