package j1939

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Message is a decoded, non-acknowledgment packet.
type Message interface {
	Packet() *Packet
	PGN() uint32
	Source() uint8
	String() string
}

// GenericPacket is the fallback for PGNs without a registered decoder.
type GenericPacket struct {
	p *Packet
}

func (g GenericPacket) Packet() *Packet { return g.p }
func (g GenericPacket) PGN() uint32     { return g.p.PGN() }
func (g GenericPacket) Source() uint8   { return g.p.Source() }

func (g GenericPacket) String() string {
	return fmt.Sprintf("PGN %d from 0x%02X: %s", g.PGN(), g.Source(), g.p)
}

// NAME is the 64-bit identity carried by Address Claimed.
type NAME struct {
	IdentityNumber          uint32
	ManufacturerCode        uint16
	ECUInstance             uint8
	FunctionInstance        uint8
	Function                uint8
	VehicleSystem           uint8
	VehicleSystemInstance   uint8
	IndustryGroup           uint8
	ArbitraryAddressCapable bool
}

func parseNAME(v uint64) NAME {
	return NAME{
		IdentityNumber:          uint32(v & 0x1FFFFF),
		ManufacturerCode:        uint16(v>>21) & 0x7FF,
		ECUInstance:             uint8(v>>32) & 0x7,
		FunctionInstance:        uint8(v>>35) & 0x1F,
		Function:                uint8(v >> 40),
		VehicleSystem:           uint8(v>>49) & 0x7F,
		VehicleSystemInstance:   uint8(v>>56) & 0xF,
		IndustryGroup:           uint8(v>>60) & 0x7,
		ArbitraryAddressCapable: v>>63 == 1,
	}
}

// AddressClaim is PGN 0xEE00.
type AddressClaim struct {
	GenericPacket
	Name NAME
}

func parseAddressClaim(p *Packet) (Message, error) {
	data := p.Payload()
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: address claimed length %d", ErrShortFrame, len(data))
	}
	return AddressClaim{GenericPacket: GenericPacket{p}, Name: parseNAME(binary.LittleEndian.Uint64(data))}, nil
}

func (a AddressClaim) String() string {
	return fmt.Sprintf("Address Claim from 0x%02X: identity %d, manufacturer %d, function %d, industry group %d",
		a.Source(), a.Name.IdentityNumber, a.Name.ManufacturerCode, a.Name.Function, a.Name.IndustryGroup)
}

// ComponentIdentification is PGN 0xFEEB.
type ComponentIdentification struct {
	GenericPacket
	Make, Model, SerialNumber, UnitNumber string
}

func parseComponentIdentification(p *Packet) (Message, error) {
	f := starFields(p.Payload())
	c := ComponentIdentification{GenericPacket: GenericPacket{p}}
	for i, dst := range []*string{&c.Make, &c.Model, &c.SerialNumber, &c.UnitNumber} {
		if i < len(f) {
			*dst = f[i]
		}
	}
	return c, nil
}

func (c ComponentIdentification) String() string {
	return fmt.Sprintf("Component Identification from 0x%02X: make %q, model %q, serial %q, unit %q",
		c.Source(), c.Make, c.Model, c.SerialNumber, c.UnitNumber)
}

// SoftwareIdentification is PGN 0xFEDA.
type SoftwareIdentification struct {
	GenericPacket
	IDs []string
}

func parseSoftwareIdentification(p *Packet) (Message, error) {
	data := p.Payload()
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: software identification is empty", ErrShortFrame)
	}
	n := int(data[0])
	f := starFields(data[1:])
	if n < len(f) {
		f = f[:n]
	}
	return SoftwareIdentification{GenericPacket: GenericPacket{p}, IDs: f}, nil
}

func (s SoftwareIdentification) String() string {
	return fmt.Sprintf("Software Identification from 0x%02X: %s", s.Source(), strings.Join(s.IDs, ", "))
}

// starFields splits '*'-terminated ASCII fields, dropping 0xFF padding
// and a trailing empty field.
func starFields(data []byte) []string {
	for len(data) > 0 && data[len(data)-1] == 0xFF {
		data = data[:len(data)-1]
	}
	s := strings.TrimSuffix(string(data), "*")
	if s == "" {
		return nil
	}
	f := strings.Split(s, "*")
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	return f
}
