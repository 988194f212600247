package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "svc-a" {
		t.Fatalf("expected service field svc-a, got %v", entry["service"])
	}
}
