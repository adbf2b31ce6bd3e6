package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/catalog"
)

// syncBuffer is a bytes.Buffer safe for a logger writing from a worker.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func TestParseFilters(t *testing.T) {
	got, err := parseFilters(" 1:0x7F0:0x120 ,can2:0:0,,1:2047:0b1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []filterSpec{
		{ch: can.CAN1, mask: 0x7F0, id: 0x120},
		{ch: can.CAN2, mask: 0, id: 0},
		{ch: can.CAN1, mask: 0x7FF, id: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("filter %d: got %v want %v", i, got[i], want[i])
		}
	}
	if s := want[0].String(); s != "can1:0x7F0:0x120" {
		t.Fatalf("String() = %q", s)
	}
	if f, err := parseFilters(""); err != nil || len(f) != 0 {
		t.Fatalf("empty list: %v %v", f, err)
	}
}

func TestParseFilters_Errors(t *testing.T) {
	for _, in := range []string{"1:0x700", "3:0:0", "1:x:0", "1:0:0x800", "1:0x700:0x001"} {
		if _, err := parseFilters(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestRxLogger_NamesFramesFromCatalog(t *testing.T) {
	cat, err := catalog.Parse([]byte(`packets:
  - name: kill
    id: 0x001
    data:
      - {name: board_id, type: uint8}
      - {name: error_code, type: uint8}
`))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	l, buf := bufferLogger()
	r := newRxLogger(context.Background(), cat, l)
	r.receiver(can.CAN2).ReceiveFrame(can.Frame{ID: 0x001, Len: 2, Data: [8]byte{0xAB, 0xCD}})
	r.receiver(can.CAN1).ReceiveFrame(can.Frame{ID: 0x555, Len: 1, Data: [8]byte{1}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && strings.Count(buf.String(), "can_rx") < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	r.Close()
	out := buf.String()
	for _, want := range []string{"channel=can2", "frame=001#ABCD", "packet=kill", "fields.board_id=171", "fields.error_code=205", "frame=555#01"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestRxLogger_ShortFrameDecodeError(t *testing.T) {
	cat, _ := catalog.Parse([]byte(`packets: [{name: p, id: 5, data: [{name: v, type: uint16}]}]`))
	r := &rxLogger{cat: cat}
	attrs := r.attrs(rxEvent{ch: can.CAN1, fr: can.Frame{ID: 5, Len: 1}})
	found := false
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == "decode_error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected decode_error attr, got %v", attrs)
	}
}
