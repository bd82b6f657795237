package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// TestLogger_IncludesBaseFields verifies With-attached fields appear in
// every entry.
func TestLogger_IncludesBaseFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	scoped := logger.With(
		Field{Key: "instrumenter_id", Value: "abc-123"},
		Field{Key: "span_name", Value: "OrderService#Process"},
	)
	scoped.Info(context.Background(), "test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v\nOutput: %s", err, buf.String())
	}

	if v, ok := entry["instrumenter_id"].(string); !ok || v != "abc-123" {
		t.Errorf("expected instrumenter_id='abc-123', got %v", entry["instrumenter_id"])
	}
	if v, ok := entry["span_name"].(string); !ok || v != "OrderService#Process" {
		t.Errorf("expected span_name, got %v", entry["span_name"])
	}
	if v, ok := entry["msg"].(string); !ok || v != "test message" {
		t.Errorf("expected msg='test message', got %v", entry["msg"])
	}
}

// TestLogger_LevelFilter verifies entries below the level are dropped.
func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", &buf)

	logger.Debug(context.Background(), "dropped")
	logger.Info(context.Background(), "dropped too")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}

	logger.Warn(context.Background(), "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected warn entry, got: %s", buf.String())
	}
}

// TestLogger_RedactsSensitiveFields verifies credential fields are
// replaced in output.
func TestLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "auth attempt",
		Field{Key: "password", Value: "hunter2"},
		Field{Key: "user", Value: "ada"},
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v", err)
	}

	if v, ok := entry["password"].(string); !ok || v != "[REDACTED]" {
		t.Errorf("expected password redacted, got %v", entry["password"])
	}
	if v, ok := entry["user"].(string); !ok || v != "ada" {
		t.Errorf("expected user='ada', got %v", entry["user"])
	}
}

// TestParseLogLevel verifies level parsing with the info fallback.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{input: "debug", expected: LevelDebug},
		{input: "info", expected: LevelInfo},
		{input: "warn", expected: LevelWarn},
		{input: "error", expected: LevelError},
		{input: "bogus", expected: LevelInfo},
	}

	for _, tc := range tests {
		if got := ParseLogLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLogLevel(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}
