package j1939

import "fmt"

// Addresses with special meaning on a J1939 network.
const (
	GlobalAddress uint8 = 0xFF
	NullAddress   uint8 = 0xFE
)

// Parameter group numbers used by the data link layer and the decoders.
const (
	PGNAcknowledgment         uint32 = 0xE800
	PGNRequest                uint32 = 0xEA00
	PGNTPDT                   uint32 = 0xEB00
	PGNTPCM                   uint32 = 0xEC00
	PGNAddressClaimed         uint32 = 0xEE00
	PGNSoftwareIdentification uint32 = 0xFEDA
	PGNComponentIdentity      uint32 = 0xFEEB
)

// DefaultPriority is used for requests and transport frames.
const DefaultPriority uint8 = 6

// ID is a decomposed 29-bit J1939 identifier.
type ID struct {
	Priority    uint8
	PGN         uint32
	Destination uint8
	Source      uint8
}

// PDU1 reports whether pgn is destination specific (PDU format < 240).
func PDU1(pgn uint32) bool { return (pgn>>8)&0xFF < 240 }

// ParseID splits a 29-bit CAN identifier. PDU2 identifiers carry no
// destination and report GlobalAddress.
func ParseID(canID uint32) ID {
	id := ID{
		Priority: uint8(canID>>26) & 0x7,
		Source:   uint8(canID),
	}
	pf := uint8(canID >> 16)
	ps := uint8(canID >> 8)
	dp := (canID >> 16) & 0x300 // reserved + data page
	if pf < 240 {
		id.PGN = dp<<8 | uint32(pf)<<8
		id.Destination = ps
	} else {
		id.PGN = dp<<8 | uint32(pf)<<8 | uint32(ps)
		id.Destination = GlobalAddress
	}
	return id
}

// CANID assembles the 29-bit identifier. For PDU1 groups the destination
// occupies the PDU specific byte; for PDU2 it is ignored.
func (id ID) CANID() uint32 {
	v := uint32(id.Priority&0x7)<<26 | uint32(id.Source)
	if PDU1(id.PGN) {
		return v | (id.PGN&0x3FF00)<<8 | uint32(id.Destination)<<8
	}
	return v | (id.PGN&0x3FFFF)<<8
}

func (id ID) String() string {
	return fmt.Sprintf("pgn=%d(0x%04X) %02X->%02X p%d", id.PGN, id.PGN, id.Source, id.Destination, id.Priority)
}
