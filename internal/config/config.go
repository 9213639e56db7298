// Package config loads the j1939ctl configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Interface kinds.
const (
	InterfaceSocketCAN = "socketcan"
	InterfaceSLCAN     = "slcan"
	InterfaceLoopback  = "loopback"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the resolved j1939ctl configuration.
type Config struct {
	Interface     string
	Device        string
	Bitrate       uint32
	SerialBaud    int
	Address       uint8
	MaxSessions   int
	LogLevel      string
	TraceFile     string
	MetricsAddr   string
	GlobalTimeout time.Duration
	DSTimeout     time.Duration
}

type fileConfig struct {
	Interface     string `toml:"interface"`
	Device        string `toml:"device"`
	Bitrate       uint32 `toml:"bitrate"`
	SerialBaud    int    `toml:"serial_baud"`
	Address       int    `toml:"address"`
	MaxSessions   int    `toml:"max_sessions"`
	LogLevel      string `toml:"log_level"`
	TraceFile     string `toml:"trace_file"`
	MetricsAddr   string `toml:"metrics_addr"`
	GlobalTimeout string `toml:"global_timeout"`
	DSTimeout     string `toml:"ds_timeout"`
}

// Default returns the configuration used when no file is given: SocketCAN
// on can0 at 250 kbit/s with the tool at source address 0xF9.
func Default() Config {
	return Config{
		Interface:     InterfaceSocketCAN,
		Device:        "can0",
		Bitrate:       250000,
		SerialBaud:    115200,
		Address:       0xF9,
		MaxSessions:   255,
		LogLevel:      "info",
		GlobalTimeout: 750 * time.Millisecond,
		DSTimeout:     750 * time.Millisecond,
	}
}

// Load overlays the keys present in the TOML file at path onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("interface") {
		cfg.Interface = strings.ToLower(strings.TrimSpace(raw.Interface))
	}
	if meta.IsDefined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("bitrate") {
		cfg.Bitrate = raw.Bitrate
	}
	if meta.IsDefined("serial_baud") {
		cfg.SerialBaud = raw.SerialBaud
	}
	if meta.IsDefined("address") {
		if raw.Address < 0 || raw.Address > 0xFD {
			return Config{}, fmt.Errorf("%w: address %d outside 0..253", ErrInvalid, raw.Address)
		}
		cfg.Address = uint8(raw.Address)
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("trace_file") {
		cfg.TraceFile = strings.TrimSpace(raw.TraceFile)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("global_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.GlobalTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse global_timeout: %w", err)
		}
		cfg.GlobalTimeout = d
	}
	if meta.IsDefined("ds_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DSTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse ds_timeout: %w", err)
		}
		cfg.DSTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting, wrapped in ErrInvalid.
func (c Config) Validate() error {
	switch c.Interface {
	case InterfaceSocketCAN, InterfaceSLCAN:
		if c.Device == "" {
			return fmt.Errorf("%w: %s needs a device", ErrInvalid, c.Interface)
		}
	case InterfaceLoopback:
	default:
		return fmt.Errorf("%w: interface %q", ErrInvalid, c.Interface)
	}
	if c.MaxSessions < 1 || c.MaxSessions > 255 {
		return fmt.Errorf("%w: max_sessions %d outside 1..255", ErrInvalid, c.MaxSessions)
	}
	if c.GlobalTimeout <= 0 || c.DSTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}
	if c.Interface == InterfaceSLCAN && c.SerialBaud <= 0 {
		return fmt.Errorf("%w: serial_baud %d", ErrInvalid, c.SerialBaud)
	}
	return nil
}
