package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
		{"nonsense", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoggerWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "DEBUG", JSONFormat: true, Component: "test"}, &buf)

	l.WithComponent("engine").Info("signal emitted", "kind", "HEDGE", "price", 0.823)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "engine" {
		t.Errorf("component = %v, want engine", entry["component"])
	}
	if entry["kind"] != "HEDGE" {
		t.Errorf("kind = %v, want HEDGE", entry["kind"])
	}
	if entry["price"] != 0.823 {
		t.Errorf("price = %v, want 0.823", entry["price"])
	}
	if entry["message"] != "signal emitted" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "WARN", JSONFormat: true}, &buf)

	l.Info("dropped")
	l.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %s", buf.String())
	}

	l.WithError(errors.New("boom")).Warn("kept")
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("expected error field in output, got %s", buf.String())
	}
}

func TestOddKeyValuesDoNotPanic(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)
	l.Info("odd", "lonely")
	if !strings.Contains(buf.String(), "MISSING") {
		t.Errorf("expected placeholder for missing value, got %s", buf.String())
	}
}

func TestTickContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)

	ctx, l := TickContext(context.Background(), base, 7)
	if TraceID(ctx) == "" {
		t.Fatal("expected trace id in context")
	}
	if FromContext(ctx) != l {
		t.Error("FromContext should return the tick logger")
	}

	l.Info("tick")
	if !strings.Contains(buf.String(), TraceID(ctx)) {
		t.Errorf("trace id missing from output: %s", buf.String())
	}
}
