//go:build !linux

package canbus

import "errors"

var errNoSocketCAN = errors.New("canbus: socketcan is only available on linux")

// DialSocketCAN is only implemented on Linux.
func DialSocketCAN(iface string) (Bus, error) { return nil, errNoSocketCAN }

// ConfigureBitrate is only implemented on Linux.
func ConfigureBitrate(name string, bitrate uint32) error { return errNoSocketCAN }

// IsInterfaceUp is only implemented on Linux.
func IsInterfaceUp(name string) (bool, error) { return false, errNoSocketCAN }
