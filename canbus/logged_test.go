package canbus

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggedBus_WriteAndReadLogging(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()

	var out bytes.Buffer
	logger := zerolog.New(&out)

	sender := NewLoggedBus(lb.Open(), logger, zerolog.InfoLevel, LogWrite, nil)
	receiver := NewLoggedBus(lb.Open(), logger, zerolog.InfoLevel, LogRead, nil)
	defer sender.Close()
	defer receiver.Close()

	ctx := context.Background()
	if err := sender.Send(ctx, MustFrame(0x18FECA00, []byte{1, 2, 3})); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := receiver.Receive(ctx); err != nil {
		t.Fatalf("receive: %v", err)
	}

	logs := out.String()
	for _, want := range []string{`"message":"canbus send"`, `"message":"canbus receive"`, `"data":"010203"`} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in logs:\n%s", want, logs)
		}
	}
}

func TestLoggedBus_FilterAndErrors(t *testing.T) {
	lb := NewLoopbackBus()
	rx := lb.Open()
	_ = rx.Close()

	var out bytes.Buffer
	logger := zerolog.New(&out)
	wrapped := NewLoggedBus(rx, logger, zerolog.InfoLevel, LogAll, ExtendedOnly())

	_, _ = wrapped.Receive(context.Background())
	if !strings.Contains(out.String(), "canbus receive error") {
		t.Fatalf("expected receive error log entry, got:\n%s", out.String())
	}

	out.Reset()
	_ = wrapped.Send(context.Background(), MustFrame(0x123, []byte{1}))
	logs := out.String()
	if strings.Contains(logs, `"message":"canbus send"`) {
		t.Fatalf("standard frame should be filtered out:\n%s", logs)
	}
	if !strings.Contains(logs, "canbus send error") {
		t.Fatalf("send errors are logged regardless of filter:\n%s", logs)
	}
}
