package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	return out
}

func TestContextFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	ctx := l.WithContext(context.Background())
	ctx = SetRunID(ctx, "run-1")
	ctx = SetPlantCode(ctx, "NE=123")

	if got := GetRunID(ctx); got != "run-1" {
		t.Errorf("GetRunID = %q, want run-1", got)
	}

	CtxInfo(ctx, "processing %s", "plant")
	line := decodeLine(t, &buf)

	if line["message"] != "processing plant" {
		t.Errorf("message = %v", line["message"])
	}
	if line[FieldRunID] != "run-1" || line[FieldPlantCode] != "NE=123" {
		t.Errorf("missing context fields: %v", line)
	}
	if line["service"] != "test" {
		t.Errorf("service = %v, want test", line["service"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("expected timestamp key")
	}
}

func TestEntryMetricFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, ServiceName: "test"})
	ctx := l.WithContext(context.Background())

	With(Fields{FieldStatus: "ok"}).WithDuration(1500 * time.Millisecond).WithAttempt(2).Info(ctx, "done")
	line := decodeLine(t, &buf)

	if line[FieldDurationMs] != float64(1500) {
		t.Errorf("duration_ms = %v, want 1500", line[FieldDurationMs])
	}
	if line[FieldAttempt] != float64(2) {
		t.Errorf("attempt = %v, want 2", line[FieldAttempt])
	}
	if line[FieldStatus] != "ok" {
		t.Errorf("status = %v, want ok", line[FieldStatus])
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != GetDefault() {
		t.Error("expected default logger for bare context")
	}
}
