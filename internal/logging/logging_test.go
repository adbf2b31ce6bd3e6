package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("json", slog.LevelInfo, &buf)
	l.Info("can_init", "channel", "can1")
	if !strings.Contains(buf.String(), `"msg":"can_init"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
	Set(l)
	if L() != l {
		t.Fatalf("Set did not replace global logger")
	}
	Set(nil)
	if L() != l {
		t.Fatalf("Set(nil) must be ignored")
	}
}
