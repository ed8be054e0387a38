package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-address", "***@***"},
		{"a@b@c", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Fatalf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "flush"))
	log.Warn("send failed", Int("attempt", 2), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "flush" {
		t.Fatalf("comp = %v, want flush", m["comp"])
	}
	if m["attempt"] != float64(2) {
		t.Fatalf("attempt = %v, want 2", m["attempt"])
	}
	if m["message"] != "send failed" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
}

func TestParseLevelDefaults(t *testing.T) {
	t.Parallel()
	if got := parseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("bogus", LevelInfo); got != LevelInfo {
		t.Fatalf("parseLevel(bogus) = %v", got)
	}
}
