package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "j1939.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := write(t, `
interface = "SLCAN"
device = "/dev/ttyUSB0"
address = 0xF1
ds_timeout = "500ms"
trace_file = "run.cbor"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Interface != InterfaceSLCAN || cfg.Device != "/dev/ttyUSB0" || cfg.Address != 0xF1 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.DSTimeout != 500*time.Millisecond || cfg.GlobalTimeout != def.GlobalTimeout {
		t.Fatalf("timeouts = %v %v", cfg.DSTimeout, cfg.GlobalTimeout)
	}
	if cfg.Bitrate != def.Bitrate || cfg.SerialBaud != def.SerialBaud || cfg.MaxSessions != 255 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.TraceFile != "run.cbor" {
		t.Fatalf("trace_file = %q", cfg.TraceFile)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"interface":    `interface = "pcan"`,
		"address":      `address = 255`,
		"max_sessions": `max_sessions = 0`,
		"unknown key":  `bogus = 1`,
		"device":       `device = ""`,
	}
	for name, body := range cases {
		if _, err := Load(write(t, body)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: want ErrInvalid, got %v", name, err)
		}
	}
	if _, err := Load(write(t, `global_timeout = "soon"`)); err == nil {
		t.Fatalf("bad duration accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default: %v", err)
	}
	lb := Default()
	lb.Interface = InterfaceLoopback
	lb.Device = ""
	if err := lb.Validate(); err != nil {
		t.Fatalf("loopback: %v", err)
	}
}
