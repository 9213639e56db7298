//go:build linux

package canbus

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
	"unsafe"
)

// socketCAN implements Bus over Linux SocketCAN using raw syscalls only.
type socketCAN struct {
	fd     int
	file   *os.File
	closed chan struct{}
}

// DialSocketCAN opens a raw CAN socket bound to the named interface (e.g. "can0").
// The socket does not receive its own transmissions.
func DialSocketCAN(iface string) (Bus, error) {
	const (
		afCAN  = 29
		canRaw = 1
	)
	fd, err := syscall.Socket(afCAN, syscall.SOCK_RAW, canRaw)
	if err != nil {
		return nil, err
	}

	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	// struct sockaddr_can { sa_family_t can_family; int can_ifindex; union {...} addr; }
	type sockaddrCAN struct {
		Family  uint16
		_       uint16
		Ifindex int32
		Addr    [8]byte
	}
	sa := sockaddrCAN{Family: afCAN, Ifindex: int32(netIf.Index)}
	_, _, e := syscall.Syscall(syscall.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if e != 0 {
		syscall.Close(fd)
		return nil, e
	}

	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "socketcan:"+iface)
	return &socketCAN{fd: fd, file: f, closed: make(chan struct{})}, nil
}

func (s *socketCAN) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return s.file.Close()
}

func (s *socketCAN) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Send writes one frame using the Linux can_frame binary layout.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	if s.isClosed() {
		return ErrClosed
	}
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		n, werr := syscall.Write(s.fd, buf)
		if werr == nil {
			if n != len(buf) {
				return errors.New("canbus: short write")
			}
			return nil
		}
		if werr == syscall.EAGAIN || werr == syscall.EWOULDBLOCK || werr == syscall.ENOBUFS {
			if err := s.wait(ctx, false); err != nil {
				return err
			}
			continue
		}
		return werr
	}
}

// Receive reads one frame, blocking until one arrives or ctx is done.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	var f Frame
	buf := make([]byte, 16)
	for {
		if s.isClosed() {
			return Frame{}, ErrClosed
		}
		n, rerr := syscall.Read(s.fd, buf)
		if rerr == nil {
			if n != len(buf) {
				return Frame{}, errors.New("canbus: short read")
			}
			if err := f.UnmarshalBinary(buf); err != nil {
				return Frame{}, err
			}
			return f, nil
		}
		if rerr == syscall.EAGAIN || rerr == syscall.EWOULDBLOCK {
			if err := s.wait(ctx, true); err != nil {
				return Frame{}, err
			}
			continue
		}
		return Frame{}, rerr
	}
}

// wait blocks in select(2) until the socket is ready, ctx is done, or a short
// poll interval lapses so that Close and cancellation are observed.
func (s *socketCAN) wait(ctx context.Context, read bool) error {
	const poll = 50 * time.Millisecond
	for {
		d := poll
		if deadline, ok := ctx.Deadline(); ok {
			d = time.Until(deadline)
			if d <= 0 {
				return ctx.Err()
			}
			if d > poll {
				d = poll
			}
		}
		timeout := syscall.NsecToTimeval(d.Nanoseconds())

		var set syscall.FdSet
		set.Bits[s.fd/64] |= int64(1) << (uint(s.fd) % 64)
		var err error
		if read {
			_, err = syscall.Select(s.fd+1, &set, nil, nil, &timeout)
		} else {
			_, err = syscall.Select(s.fd+1, nil, &set, nil, &timeout)
		}
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
}
