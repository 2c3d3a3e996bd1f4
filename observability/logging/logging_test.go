package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	logger, closer := Setup("signalhubd", "test", WithWriter(&buf), WithLevel(slog.LevelDebug))
	defer closer.Close()
	Component(logger, "peer_registry").Debug("peer registered", slog.String("peer_id", "ABC123"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"message":   "peer registered",
		"severity":  "DEBUG",
		"service":   "signalhubd",
		"env":       "test",
		"component": "peer_registry",
		"peer_id":   "ABC123",
	}
	for key, value := range want {
		if entry[key] != value {
			t.Fatalf("%s = %v, want %v", key, entry[key], value)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp in %v", entry)
	}
}

func TestSetupRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})
	logger, _ := Setup("signalhubd", "", WithWriter(&buf), WithLevel(slog.LevelWarn))
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSetupWritesFileSink(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})
	path := filepath.Join(t.TempDir(), "signalhub.log")
	logger, closer := Setup("signalhubd", "", WithWriter(&buf), WithFile(FileSink{Path: path, MaxSizeMB: 1}))
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "to file") {
		t.Fatalf("file sink missing entry: %q", raw)
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("licence_key", "secret").Value.String(); got != RedactedValue {
		t.Fatalf("licence key should be masked, got %q", got)
	}
	if got := MaskField("peer_id", "ABC123").Value.String(); got != "ABC123" {
		t.Fatalf("peer id should pass through, got %q", got)
	}
	if got := MaskField("uuid", "").Value.String(); got != "" {
		t.Fatalf("empty values stay empty, got %q", got)
	}
	if got := MaskBytes("uuid", []byte{1, 2}).Value.String(); got != RedactedValue {
		t.Fatalf("uuid bytes should be masked, got %q", got)
	}
	for _, key := range RedactionAllowlist() {
		if key == "uuid" || key == "licence_key" || key == "key" {
			t.Fatalf("sensitive key %q must not be allowlisted", key)
		}
	}
}
