package j1939

import "sync"

// Constructor decodes a packet of one PGN.
type Constructor func(*Packet) (Message, error)

// Decoder maps PGNs to message constructors.
type Decoder struct {
	mu    sync.RWMutex
	table map[uint32]Constructor
}

// NewDecoder returns a Decoder with the identification messages
// registered.
func NewDecoder() *Decoder {
	d := &Decoder{table: make(map[uint32]Constructor)}
	d.Register(PGNAddressClaimed, parseAddressClaim)
	d.Register(PGNComponentIdentity, parseComponentIdentification)
	d.Register(PGNSoftwareIdentification, parseSoftwareIdentification)
	return d
}

// Register installs or replaces the constructor for pgn.
func (d *Decoder) Register(pgn uint32, fn Constructor) {
	d.mu.Lock()
	d.table[pgn] = fn
	d.mu.Unlock()
}

// Decode turns p into a Response. Acknowledgments decode to
// *Acknowledgment; unknown PGNs and packets a constructor rejects decode to
// GenericPacket.
func (d *Decoder) Decode(p *Packet) Response {
	if p.PGN() == PGNAcknowledgment {
		if a, err := ParseAcknowledgment(p); err == nil {
			return a
		}
		return Data{GenericPacket{p}}
	}
	d.mu.RLock()
	fn := d.table[p.PGN()]
	d.mu.RUnlock()
	if fn != nil {
		if m, err := fn(p); err == nil {
			return Data{m}
		}
	}
	return Data{GenericPacket{p}}
}
