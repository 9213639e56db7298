package j1939

import "fmt"

// TP.CM control bytes.
const (
	ctlRTS   uint8 = 0x10
	ctlCTS   uint8 = 0x11
	ctlEOM   uint8 = 0x13
	ctlBAM   uint8 = 0x20
	ctlAbort uint8 = 0xFF
)

// control is a decoded TP.CM payload. Fields not used by a given control
// byte are zero.
type control struct {
	kind       uint8
	size       int    // RTS, EOM, BAM
	packets    int    // RTS, EOM, BAM: total; CTS: count granted
	maxPackets int    // RTS: max packets per CTS
	next       int    // CTS: next sequence number
	reason     uint8  // Abort
	pgn        uint32 // all
}

func parseControl(data []byte) (control, error) {
	if len(data) < 8 {
		return control{}, fmt.Errorf("%w: TP.CM length %d", ErrShortFrame, len(data))
	}
	c := control{
		kind: data[0],
		pgn:  uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16,
	}
	switch c.kind {
	case ctlRTS:
		c.size = int(data[1]) | int(data[2])<<8
		c.packets = int(data[3])
		c.maxPackets = int(data[4])
	case ctlEOM, ctlBAM:
		c.size = int(data[1]) | int(data[2])<<8
		c.packets = int(data[3])
	case ctlCTS:
		c.packets = int(data[1])
		c.next = int(data[2])
	case ctlAbort:
		c.reason = data[1]
	default:
		return control{}, fmt.Errorf("j1939: unknown TP.CM control byte 0x%02X", c.kind)
	}
	return c, nil
}

func (c control) bytes() []byte {
	b := []byte{c.kind, 0xFF, 0xFF, 0xFF, 0xFF, byte(c.pgn), byte(c.pgn >> 8), byte(c.pgn >> 16)}
	switch c.kind {
	case ctlRTS:
		b[1], b[2], b[3], b[4] = byte(c.size), byte(c.size>>8), byte(c.packets), byte(c.maxPackets)
	case ctlEOM, ctlBAM:
		b[1], b[2], b[3] = byte(c.size), byte(c.size>>8), byte(c.packets)
	case ctlCTS:
		b[1], b[2] = byte(c.packets), byte(c.next)
	case ctlAbort:
		b[1] = c.reason
	}
	return b
}

// dtFrame builds the TP.DT payload for sequence seq of data.
func dtFrame(seq int, data []byte) []byte {
	b := []byte{byte(seq), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	off := (seq - 1) * 7
	if off < len(data) {
		copy(b[1:], data[off:min(off+7, len(data))])
	}
	return b
}

func packetCount(size int) int { return (size + 6) / 7 }
