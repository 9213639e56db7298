package j1939

import "errors"

// Errors returned by Link and Transport operations.
var (
	ErrClosed       = errors.New("j1939: closed")
	ErrTooLarge     = errors.New("j1939: payload too large")
	ErrFrameTooLong = errors.New("j1939: payload does not fit a single frame")
)

// Errors that fail a reassembly session. They are reported through
// Packet.Err and Packet.Wait on the pending packet.
var (
	ErrShortFrame  = errors.New("j1939: short frame")
	ErrBadSequence = errors.New("j1939: sequence number out of range")
	ErrBadAnnounce = errors.New("j1939: invalid transport announce")
	ErrMissingDT   = errors.New("j1939: missing DT")
	ErrNoDT        = errors.New("j1939: failed to receive DT")
)

// Errors returned by Transport.Send when the peer stops answering an RTS.
var (
	ErrCTSTimeout = errors.New("j1939: timeout waiting for CTS")
	ErrEOMTimeout = errors.New("j1939: timeout waiting for EOM")
)

// Causes recorded when the transport cancels a session itself.
var (
	ErrSuperseded     = errors.New("j1939: session superseded by a new announce")
	ErrPoolExhausted  = errors.New("j1939: no transport session capacity")
	ErrSessionExpired = errors.New("j1939: transport session expired")
)
