package j1939

import "fmt"

// Connection abort reasons from J1939-21.
const (
	AbortAlreadyInSession  uint8 = 1
	AbortResourcesNeeded   uint8 = 2
	AbortTimeout           uint8 = 3
	AbortCTSDuringTransfer uint8 = 4
	AbortRetransmitLimit   uint8 = 5
	AbortUnexpectedDT      uint8 = 6
	AbortBadSequence       uint8 = 7
	AbortDuplicateSequence uint8 = 8
	AbortTooLarge          uint8 = 9
	AbortOther             uint8 = 250
)

var abortText = map[uint8]string{
	AbortAlreadyInSession:  "Already in one or more connection managed sessions and cannot support another",
	AbortResourcesNeeded:   "System resources were needed for another task so this connection managed session was terminated",
	AbortTimeout:           "A timeout occurred and this is the connection abort to close the session",
	AbortCTSDuringTransfer: "CTS messages received when data transfer is in progress",
	AbortRetransmitLimit:   "Maximum retransmit request limit reached",
	AbortUnexpectedDT:      "Unexpected data transfer packet",
	AbortBadSequence:       "Bad sequence number (software cannot recover)",
	AbortDuplicateSequence: "Duplicate sequence number (software cannot recover)",
	AbortTooLarge:          "\"Total Message Size\" is greater than 1785 bytes",
	AbortOther:             "Connection Abort reason not listed",
}

// AbortReason returns the human readable cause of a connection abort code.
func AbortReason(code uint8) string {
	if msg, ok := abortText[code]; ok {
		return msg
	}
	return "Unknown"
}

// AbortError reports a connection abort, sent by the peer or by this node.
type AbortError struct {
	Reason uint8
	PGN    uint32
	Source uint8
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("j1939: connection abort from 0x%02X for pgn %d: %s (%d)", e.Source, e.PGN, AbortReason(e.Reason), e.Reason)
}
