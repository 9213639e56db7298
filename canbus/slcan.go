package canbus

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCAN (Lawicel) ASCII protocol over a serial line:
//
//	Tiiiiiiiildd..\r  extended data frame
//	tiiildd..\r       standard data frame
//	R/r               remote frames
//
// Setup commands are acknowledged with '\r' and rejected with '\a'.

var slcanBitrates = map[uint32]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// slcanReplyPolls bounds how many read timeouts a setup command may take
// before the adapter is considered silent.
const slcanReplyPolls = 20

var (
	// ErrSLCANFrame reports a line that is not a valid SLCAN frame.
	ErrSLCANFrame = errors.New("canbus: malformed slcan frame")
	// ErrSLCANRejected reports a setup command answered with BEL.
	ErrSLCANRejected = errors.New("canbus: slcan command rejected")
	// ErrSLCANNoReply reports a setup command the adapter never answered.
	ErrSLCANNoReply = errors.New("canbus: no reply from slcan adapter")
)

// EncodeSLCAN renders a frame as an SLCAN transmit command including the
// trailing carriage return.
func EncodeSLCAN(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	switch {
	case f.RTR && f.Extended:
		b.WriteByte('R')
	case f.RTR:
		b.WriteByte('r')
	case f.Extended:
		b.WriteByte('T')
	default:
		b.WriteByte('t')
	}
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	b.WriteByte('0' + f.Len)
	if !f.RTR {
		for _, v := range f.Payload() {
			fmt.Fprintf(&b, "%02X", v)
		}
	}
	b.WriteByte('\r')
	return b.Bytes(), nil
}

// ParseSLCAN decodes one SLCAN frame line without its carriage return. A
// trailing 4 digit timestamp, if the adapter appends one, is ignored.
func ParseSLCAN(line []byte) (Frame, error) {
	if len(line) == 0 {
		return Frame{}, ErrSLCANFrame
	}
	var f Frame
	idLen := 3
	switch line[0] {
	case 'T':
		f.Extended, idLen = true, 8
	case 't':
	case 'R':
		f.Extended, f.RTR, idLen = true, true, 8
	case 'r':
		f.RTR = true
	default:
		return Frame{}, ErrSLCANFrame
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, ErrSLCANFrame
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrSLCANFrame, err)
	}
	f.ID = uint32(id)
	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return Frame{}, ErrSLCANFrame
	}
	f.Len = dlc - '0'
	if !f.RTR {
		data := line[2+idLen:]
		if len(data) < int(f.Len)*2 {
			return Frame{}, ErrSLCANFrame
		}
		if _, err := hex.Decode(f.Data[:f.Len], data[:int(f.Len)*2]); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrSLCANFrame, err)
		}
	}
	return f, f.Validate()
}

type slcanBus struct {
	port serial.Port
	rx   chan Frame

	wmu       sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// DialSLCAN opens an SLCAN adapter on a serial device, sets the CAN bit rate
// and opens the channel.
func DialSLCAN(device string, baud int, bitrate uint32) (Bus, error) {
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("canbus: unsupported slcan bitrate %d", bitrate)
	}
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", device, err)
	}
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	if err := slcanSetup(port, code); err != nil {
		port.Close()
		return nil, err
	}
	_ = port.ResetInputBuffer()

	s := &slcanBus{
		port:   port,
		rx:     make(chan Frame, endpointQueue),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// slcanSetup closes any channel left open by a previous session, sets the
// bit rate and opens the channel. A rejected close is ignored since the
// channel may already be closed.
func slcanSetup(port io.ReadWriter, code byte) error {
	if err := slcanCommand(port, "C"); err != nil && !errors.Is(err, ErrSLCANRejected) {
		return err
	}
	if err := slcanCommand(port, "S"+string(code)); err != nil {
		return err
	}
	return slcanCommand(port, "O")
}

// slcanCommand writes cmd and waits for the adapter's '\r' or '\a' reply.
func slcanCommand(port io.ReadWriter, cmd string) error {
	if _, err := port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("canbus: slcan setup %q: %w", cmd, err)
	}
	buf := make([]byte, 64)
	for i := 0; i < slcanReplyPolls; i++ {
		n, err := port.Read(buf)
		if err != nil {
			return fmt.Errorf("canbus: slcan setup %q: %w", cmd, err)
		}
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				return nil
			case '\a':
				return fmt.Errorf("%w: %q", ErrSLCANRejected, cmd)
			}
		}
	}
	return fmt.Errorf("%w: %q", ErrSLCANNoReply, cmd)
}

func (s *slcanBus) readLoop() {
	defer close(s.done)
	buf := make([]byte, 256)
	var line []byte
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				if f, perr := ParseSLCAN(line); perr == nil {
					select {
					case s.rx <- f:
					default:
					}
				}
				line = line[:0]
			case '\a':
				line = line[:0]
			default:
				line = append(line, c)
			}
		}
	}
}

func (s *slcanBus) Send(ctx context.Context, frame Frame) error {
	msg, err := EncodeSLCAN(frame)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err = s.port.Write(msg)
	return err
}

func (s *slcanBus) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.rx:
		return f, nil
	case <-s.done:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return Frame{}, err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *slcanBus) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.done
		s.wmu.Lock()
		_, _ = s.port.Write([]byte("C\r"))
		s.wmu.Unlock()
		err = s.port.Close()
	})
	return err
}
