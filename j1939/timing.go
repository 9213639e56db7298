package j1939

import "time"

// J1939-21 transport and response timing.
const (
	T1     = 750 * time.Millisecond  // between DT frames
	T2     = 1250 * time.Millisecond // after CTS, or after BAM before the first DT
	T3     = 1250 * time.Millisecond // sender waiting for CTS or EOM
	T4     = 1050 * time.Millisecond // sender waiting after a hold-open CTS
	Th     = 500 * time.Millisecond  // receiver hold-open period
	Tr     = 200 * time.Millisecond  // responder reply time
	TrPlus = 220 * time.Millisecond  // Tr with bus latency margin
)

// BAMInterval paces broadcast DT frames. J1939-21 allows 10 ms to 200 ms.
const BAMInterval = 50 * time.Millisecond

// MaxPayload is the largest transport protocol message.
const MaxPayload = 1785

// Timing holds the transport timers. Production code uses DefaultTiming;
// simulations may compress it.
type Timing struct {
	T1, T2, T3, T4 time.Duration
	BAMInterval    time.Duration
}

// DefaultTiming returns the J1939-21 values.
func DefaultTiming() Timing {
	return Timing{T1: T1, T2: T2, T3: T3, T4: T4, BAMInterval: BAMInterval}
}
