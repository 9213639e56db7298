//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"
)

// Interface flag helpers via SIOCGIFFLAGS/SIOCSIFFLAGS on a SOCK_DGRAM socket.
// Changing flags requires CAP_NET_ADMIN; without it the calls return EPERM.

const (
	ifNameSize   = 16     // IFNAMSIZ
	siocGIFFlags = 0x8913 // SIOCGIFFLAGS
	siocSIFFlags = 0x8914 // SIOCSIFFLAGS
	iffUp        = 0x1    // IFF_UP
)

// ifreqFlags mirrors struct ifreq for the flags variant: 16 byte name, then
// a short inside a 24 byte union.
type ifreqFlags struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte
}

func checkIfName(name string) error {
	if len(name) == 0 || len(name) >= ifNameSize {
		return fmt.Errorf("canbus: invalid interface name %q", name)
	}
	return nil
}

func ifreqIoctl(name string, req uintptr, ifr *ifreqFlags) error {
	if err := checkIfName(name); err != nil {
		return err
	}
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	copy(ifr.Name[:], name)
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(ifr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func setIfUp(name string, up bool) error {
	var ifr ifreqFlags
	if err := ifreqIoctl(name, siocGIFFlags, &ifr); err != nil {
		return err
	}
	isUp := ifr.Flags&iffUp != 0
	if isUp == up {
		return nil
	}
	if up {
		ifr.Flags |= iffUp
	} else {
		ifr.Flags &^= iffUp
	}
	return RequireRootOrCapNetAdmin(ifreqIoctl(name, siocSIFFlags, &ifr))
}

// IsInterfaceUp reports whether the interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	var ifr ifreqFlags
	if err := ifreqIoctl(name, siocGIFFlags, &ifr); err != nil {
		return false, err
	}
	return ifr.Flags&iffUp != 0, nil
}

// SetInterfaceUp sets IFF_UP on the interface.
func SetInterfaceUp(name string) error { return setIfUp(name, true) }

// SetInterfaceDown clears IFF_UP on the interface.
func SetInterfaceDown(name string) error { return setIfUp(name, false) }

// RequireRootOrCapNetAdmin maps EPERM to an error advising CAP_NET_ADMIN.
func RequireRootOrCapNetAdmin(err error) error {
	if errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// ConfigureBitrate sets the arbitration bit rate of a CAN interface through
// iproute2, cycling the link down and up around the change. J1939 networks
// run at 250000 or 500000 bit/s.
func ConfigureBitrate(name string, bitrate uint32) error {
	if err := checkIfName(name); err != nil {
		return err
	}
	if err := SetInterfaceDown(name); err != nil {
		return err
	}
	cmd := exec.Command("ip", "link", "set", "dev", name, "type", "can", "bitrate", strconv.FormatUint(uint64(bitrate), 10))
	if out, err := cmd.CombinedOutput(); err != nil {
		return RequireRootOrCapNetAdmin(fmt.Errorf("ip link set type can failed: %w; output: %s", err, out))
	}
	return SetInterfaceUp(name)
}
