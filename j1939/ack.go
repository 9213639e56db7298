package j1939

import "fmt"

// AckCode is the control byte of an Acknowledgment.
type AckCode uint8

const (
	ACK    AckCode = 0
	NACK   AckCode = 1
	Denied AckCode = 2
	Busy   AckCode = 3
)

func (c AckCode) String() string {
	switch c {
	case ACK:
		return "ACK"
	case NACK:
		return "NACK"
	case Denied:
		return "DENIED"
	case Busy:
		return "BUSY"
	}
	return fmt.Sprintf("AckCode(%d)", uint8(c))
}

// Acknowledgment is a decoded PGN 0xE800 message.
type Acknowledgment struct {
	packet *Packet

	Code    AckCode
	Group   uint8  // group function value
	Address uint8  // address acknowledged
	PGN     uint32 // PGN acknowledged
}

// NewAcknowledgment builds an acknowledgment packet sent by src. dst is
// usually GlobalAddress; address names the node being acknowledged.
func NewAcknowledgment(src, dst uint8, code AckCode, group, address uint8, pgn uint32) *Packet {
	data := []byte{byte(code), group, 0xFF, 0xFF, address, byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	return NewPacket(DefaultPriority, PGNAcknowledgment, dst, src, data)
}

// ParseAcknowledgment decodes p, which must carry PGN 0xE800.
func ParseAcknowledgment(p *Packet) (*Acknowledgment, error) {
	if p.PGN() != PGNAcknowledgment {
		return nil, fmt.Errorf("j1939: pgn %d is not an acknowledgment", p.PGN())
	}
	data := p.Payload()
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: acknowledgment length %d", ErrShortFrame, len(data))
	}
	return &Acknowledgment{
		packet:  p,
		Code:    AckCode(data[0]),
		Group:   data[1],
		Address: data[4],
		PGN:     uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16,
	}, nil
}

func (a *Acknowledgment) Packet() *Packet { return a.packet }
func (a *Acknowledgment) Source() uint8   { return a.packet.Source() }

// Busy reports whether the sender asked to be retried later.
func (a *Acknowledgment) Busy() bool { return a.Code == Busy }

// For reports whether a acknowledges pgn on behalf of requester. The
// broadcast address is accepted as the acknowledged address because some
// ECUs put 0xFF there.
func (a *Acknowledgment) For(pgn uint32, requester uint8) bool {
	if a.PGN != pgn {
		return false
	}
	if d := a.packet.Destination(); d != requester && d != GlobalAddress {
		return false
	}
	return a.Address == requester || a.Address == GlobalAddress
}

func (a *Acknowledgment) String() string {
	return fmt.Sprintf("Acknowledgment from 0x%02X: %s for PGN %d (group %d, address 0x%02X)",
		a.Source(), a.Code, a.PGN, a.Group, a.Address)
}

func (a *Acknowledgment) response() {}
