package j1939

// Response is a decoded reply. It is exactly one of Data or
// *Acknowledgment; use a type switch or AsData and AsAck.
type Response interface {
	Packet() *Packet
	Source() uint8
	String() string
	response()
}

// Data is the non-acknowledgment variant of Response.
type Data struct {
	Message
}

func (Data) response() {}

// AsData returns the message carried by r, if r is Data.
func AsData(r Response) (Message, bool) {
	d, ok := r.(Data)
	if !ok {
		return nil, false
	}
	return d.Message, true
}

// AsAck returns the acknowledgment carried by r, if r is one.
func AsAck(r Response) (*Acknowledgment, bool) {
	a, ok := r.(*Acknowledgment)
	return a, ok
}

// IsBusy reports whether r is a BUSY acknowledgment.
func IsBusy(r Response) bool {
	a, ok := r.(*Acknowledgment)
	return ok && a.Busy()
}
