package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		t.Fatal("no log lines found")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	return payload
}

func TestWithContextInjectsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf)

	ctx := ContextWithTraceID(context.Background(), "trace-1")
	ctx = ContextWithSpanID(ctx, "span-1")
	log.WithContext(ctx).Info("saga started")

	payload := lastLine(t, &buf)
	if payload["service"] != "orchestrator" {
		t.Fatalf("service = %v, want orchestrator", payload["service"])
	}
	if payload["traceID"] != "trace-1" || payload["spanID"] != "span-1" {
		t.Fatalf("trace fields = %v/%v", payload["traceID"], payload["spanID"])
	}
	if payload["timestamp"] == nil {
		t.Fatal("expected timestamp")
	}
	if payload["message"] != "saga started" {
		t.Fatalf("message = %v", payload["message"])
	}
}

func TestWithContextOmitsMissingIDs(t *testing.T) {
	var buf bytes.Buffer
	New("orchestrator", &buf).WithContext(context.Background()).Debug("ping")

	payload := lastLine(t, &buf)
	if _, ok := payload["traceID"]; ok {
		t.Fatalf("unexpected traceID %v", payload["traceID"])
	}
	if payload["level"] != "debug" {
		t.Fatalf("level = %v, want debug", payload["level"])
	}
}

func TestFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf)

	log.WithError(errors.New("boom")).Errorf("dispatch failed", Fields{"sagaId": "s-1", "step": 2})

	payload := lastLine(t, &buf)
	if payload["error"] != "boom" {
		t.Fatalf("error = %v, want boom", payload["error"])
	}
	if payload["sagaId"] != "s-1" {
		t.Fatalf("sagaId = %v", payload["sagaId"])
	}
	if payload["step"] != float64(2) {
		t.Fatalf("step = %v", payload["step"])
	}
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf).Level("warn")

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered, got %q", buf.String())
	}
	log.Warn("shown")
	if payload := lastLine(t, &buf); payload["message"] != "shown" {
		t.Fatalf("message = %v", payload["message"])
	}

	buf.Reset()
	New("orchestrator", &buf).Level("nonsense").Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("unknown level should default to info, got %q", buf.String())
	}
}
