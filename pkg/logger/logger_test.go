package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestUseConsole(t *testing.T) {
	orig := isTerminal
	defer func() { isTerminal = orig }()

	isTerminal = func(int) bool { return true }
	if !useConsole("auto") {
		t.Error("auto on a terminal should pick console")
	}
	if useConsole("json") {
		t.Error("json should never pick console")
	}

	isTerminal = func(int) bool { return false }
	if useConsole("auto") {
		t.Error("auto off a terminal should pick json")
	}
	if !useConsole("CONSOLE") {
		t.Error("console should always pick console")
	}
}

func TestInitJSON(t *testing.T) {
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	if err := InitWriter(LogConfig{Level: "debug", Format: "json"}, &buf); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	log := Component("sandbox")
	log.Info().Str("sandbox_id", "abc").Msg("created")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log entry %q: %v", buf.String(), err)
	}
	if entry["component"] != "sandbox" || entry["sandbox_id"] != "abc" || entry["message"] != "created" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestInitConsole(t *testing.T) {
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	if err := InitWriter(LogConfig{Level: "info", Format: "console"}, &buf); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info().Msg("hello console")
	if !strings.Contains(buf.String(), "hello console") {
		t.Errorf("console output missing message: %q", buf.String())
	}
	if json.Valid(buf.Bytes()) {
		t.Error("console output should not be JSON")
	}
}

func TestInitWithFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	err := InitWriter(LogConfig{Level: "debug", Format: "json", File: logPath}, &buf)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Warn().Str("test", "value").Msg("test message")

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Read log file failed: %v", err)
	}
	if !strings.Contains(string(content), "test message") {
		t.Errorf("Log file doesn't contain expected message, got: %s", string(content))
	}
	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("primary output doesn't contain expected message, got: %s", buf.String())
	}
}

func TestInitWithInvalidFile(t *testing.T) {
	defer func() { _ = Close() }()

	err := Init(LogConfig{
		Level:  "info",
		Format: "json",
		File:   "/nonexistent/directory/test.log",
	})
	if err == nil {
		t.Error("Expected error for invalid file path")
	}
}

func TestLevelFiltering(t *testing.T) {
	defer func() { _ = Close() }()
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	if err := InitWriter(LogConfig{Level: "warn", Format: "json"}, &buf); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Debug().Msg("debug message")
	Info().Msg("info message")
	if buf.Len() > 0 {
		t.Errorf("messages below warn should be filtered, got %q", buf.String())
	}

	Error().Msg("error message")
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("error message should be logged, got %q", buf.String())
	}
}

func TestWith(t *testing.T) {
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	if err := InitWriter(LogConfig{Level: "debug", Format: "json"}, &buf); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	With(map[string]any{"backend": "wasm"}).Info().Msg("tagged")
	if !strings.Contains(buf.String(), `"backend":"wasm"`) {
		t.Errorf("With fields missing: %q", buf.String())
	}
}

func TestGetWithoutInit(t *testing.T) {
	mu.Lock()
	initialized = false
	mu.Unlock()

	if Get() == nil {
		t.Fatal("Get() should return a default logger when not initialized")
	}
}
