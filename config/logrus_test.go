package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestNewLoggerStampsServiceAndLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("PFA_SERVICE_NAME", "pfa-sync-test")
	var buf bytes.Buffer
	logger := NewLogger(&buf)

	logger.Debug("hidden")
	LogError(logger, "config", "TestNewLogger", "write", map[string]int{"id": 7}, errors.New("boom"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one entry above the level, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["service"] != "pfa-sync-test" || entry["module"] != "config" || entry["msg"] != "boom" || entry["level"] != "error" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["data"]; !ok {
		t.Fatalf("expected data in entry %v", entry)
	}
}
