package j1939

// NewRequest builds a PGN 0xEA00 request from src for pgn, sent to dst
// (GlobalAddress for a global request).
func NewRequest(src, dst uint8, pgn uint32) *Packet {
	return NewPacket(DefaultPriority, PGNRequest, dst, src, []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)})
}

// RequestedPGN returns the PGN asked for by a request packet.
func RequestedPGN(p *Packet) (uint32, bool) {
	data := p.Payload()
	if p.PGN() != PGNRequest || len(data) < 3 {
		return 0, false
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, true
}
