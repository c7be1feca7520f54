package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"Info", LevelInfo},
		{"warning", LevelWarn},
		{"WARN", LevelWarn},
		{"error", LevelError},
		{"CRITICAL", LevelError},
		{"", LevelWarn},
		{"trace", LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
	}{
		{"json", FormatJSON},
		{"JSON", FormatJSON},
		{"text", FormatText},
		{"", FormatText},
		{"xml", FormatText},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseFormat(tt.input); got != tt.expected {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	log.Debug("hidden")
	log.Info("device created", "id", "tcp:nqn.test:1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "device created" {
		t.Errorf("msg = %v, want %q", entry["msg"], "device created")
	}
	if entry["id"] != "tcp:nqn.test:1" {
		t.Errorf("id = %v, want %q", entry["id"], "tcp:nqn.test:1")
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	if got := LevelFromEnv("error"); got != LevelDebug {
		t.Errorf("LevelFromEnv() = %v, want %v", got, LevelDebug)
	}

	t.Setenv(EnvLevel, "")
	if got := LevelFromEnv("error"); got != LevelError {
		t.Errorf("LevelFromEnv() with empty env = %v, want %v", got, LevelError)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	log := Nop()
	if OrNop(log) != log {
		t.Error("OrNop should return the given logger")
	}
}
