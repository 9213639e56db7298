// Package trace persists request narration as a stream of CBOR records,
// one per line, so that a test run's evidence can be replayed later.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record is one narrated line.
type Record struct {
	Time time.Time `cbor:"1,keyasint"`
	Line string    `cbor:"2,keyasint"`
}

// Recorder is a request.Listener that appends a Record per line. Write
// errors are sticky and reported by Err and Close.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	c   io.Closer
	now func() time.Time
	err error
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewRecorder writes records to w. now stamps each record; nil means
// time.Now.
func NewRecorder(w io.Writer, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	r := &Recorder{enc: encMode.NewEncoder(w), now: now}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	return r
}

// Create opens path for appending and records into it.
func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return NewRecorder(f, nil), nil
}

func (r *Recorder) OnResult(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if err := r.enc.Encode(Record{Time: r.now(), Line: line}); err != nil {
		r.err = fmt.Errorf("trace: %w", err)
	}
}

func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the underlying writer when it is an io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	if r.c != nil {
		err = errors.Join(err, r.c.Close())
		r.c = nil
	}
	return err
}

// ReadAll decodes every record in rd.
func ReadAll(rd io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(rd)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("trace: record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
