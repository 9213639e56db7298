package j1939

import (
	"bytes"
	"errors"
	"testing"
)

func TestSegmentsAnnounceValidation(t *testing.T) {
	cases := []struct {
		size, n int
		want    error
	}{
		{1786, 0, ErrTooLarge},
		{8, 2, ErrBadAnnounce},
		{20, 4, ErrBadAnnounce},
		{20, 0, ErrBadAnnounce},
	}
	for _, c := range cases {
		if _, err := newSegments(c.size, c.n); !errors.Is(err, c.want) {
			t.Fatalf("newSegments(%d, %d) = %v want %v", c.size, c.n, err, c.want)
		}
	}
	if _, err := newSegments(MaxPayload, 255); err != nil {
		t.Fatalf("max payload: %v", err)
	}
}

func TestSegmentsPutAndWindow(t *testing.T) {
	s, err := newSegments(20, 3)
	if err != nil {
		t.Fatal(err)
	}
	if first, run := s.window(255); first != 1 || run != 3 {
		t.Fatalf("window = %d,%d", first, run)
	}
	if first, run := s.window(2); first != 1 || run != 2 {
		t.Fatalf("capped window = %d,%d", first, run)
	}
	fresh, err := s.put(2, []byte{8, 9, 10, 11, 12, 13, 14})
	if err != nil || !fresh {
		t.Fatalf("put 2: %v %v", fresh, err)
	}
	if fresh, _ := s.put(2, []byte{0, 0, 0, 0, 0, 0, 0}); fresh {
		t.Fatalf("duplicate counted")
	}
	if s.count != 1 {
		t.Fatalf("count = %d", s.count)
	}
	if first, run := s.window(255); first != 1 || run != 1 {
		t.Fatalf("window after 2 = %d,%d", first, run)
	}
	if _, err := s.put(4, make([]byte, 7)); !errors.Is(err, ErrBadSequence) {
		t.Fatalf("want ErrBadSequence, got %v", err)
	}
	if _, err := s.put(0, make([]byte, 7)); !errors.Is(err, ErrBadSequence) {
		t.Fatalf("want ErrBadSequence for 0, got %v", err)
	}
	if _, err := s.put(1, []byte{1, 2}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("want ErrShortFrame, got %v", err)
	}
	s.put(1, []byte{1, 2, 3, 4, 5, 6, 7})
	s.put(3, []byte{15, 16, 17, 18, 19, 20, 0xFF})
	if !s.complete() {
		t.Fatalf("not complete")
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	if !bytes.Equal(s.data, want) {
		t.Fatalf("data = %v", s.data)
	}
	if first, run := s.window(255); first != 0 || run != 0 {
		t.Fatalf("window when complete = %d,%d", first, run)
	}
}

func TestSegmentsHighSequence(t *testing.T) {
	s, err := newSegments(MaxPayload, 255)
	if err != nil {
		t.Fatal(err)
	}
	for seq := 255; seq >= 1; seq-- {
		if _, err := s.put(seq, []byte{byte(seq), 0, 0, 0, 0, 0, 0}); err != nil {
			t.Fatalf("put %d: %v", seq, err)
		}
	}
	if !s.complete() || s.count != 255 {
		t.Fatalf("count = %d", s.count)
	}
	if s.data[254*7] != 255 {
		t.Fatalf("last segment misplaced")
	}
}
