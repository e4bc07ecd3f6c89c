package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterProductionJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false, "api")

	logger.Debug().Msg("hidden")
	logger.Info().Str("job_id", "j1").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "api" {
		t.Fatalf("service = %v, want api", entry["service"])
	}
	if entry["job_id"] != "j1" {
		t.Fatalf("job_id = %v, want j1", entry["job_id"])
	}
	if entry["message"] != "hello" {
		t.Fatalf("message = %v, want hello", entry["message"])
	}
}

func TestNewWithWriterDevelopmentConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, true, "worker")

	logger.Debug().Msg("visible")
	if !bytes.Contains(buf.Bytes(), []byte("visible")) {
		t.Fatalf("expected debug line in dev output, got %q", buf.String())
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Fatalf("expected console output in dev, got json %q", buf.String())
	}
}
