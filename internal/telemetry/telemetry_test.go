package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo, "json").Info("hello", "session_id", "s1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output not parseable: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["session_id"] != "s1" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelWarn, "json").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	if CorrelationID(ctx) == "" {
		t.Error("generated correlation ID is empty")
	}
	ctx = WithCorrelationID(context.Background(), "abc")
	if got := CorrelationID(ctx); got != "abc" {
		t.Errorf("CorrelationID() = %q, want abc", got)
	}

	var buf bytes.Buffer
	SessionLogger(NewLogger(&buf, slog.LevelInfo, "json"), ctx, "sess_1").Info("x")
	if !strings.Contains(buf.String(), `"correlation_id":"abc"`) || !strings.Contains(buf.String(), `"session_id":"sess_1"`) {
		t.Errorf("session logger output = %q", buf.String())
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.CodeIssued()
	m.CodeIssued()
	m.RecordHandshake("paired", 3*time.Second)
	m.WorkerRestart("crash")
	m.SessionsExpired(2)
	m.SessionsExpired(0)
	m.SetFleet(4, 1, 2)

	if got := testutil.ToFloat64(m.codesIssued); got != 2 {
		t.Errorf("codes issued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.pairingOutcomes.WithLabelValues("paired")); got != 1 {
		t.Errorf("paired outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsExpired); got != 2 {
		t.Errorf("sessions expired = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeWorkers); got != 2 {
		t.Errorf("active workers = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"botfleet_codes_issued_total 2", "botfleet_worker_restarts_total{reason=\"crash\"} 1"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.CodeIssued()
	m.RecordHandshake("failed", time.Second)
	m.WorkerRestart("stuck")
	m.SessionsExpired(1)
	m.SetFleet(1, 1, 1)
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewCronLogger(NewLogger(&buf, slog.LevelDebug, "json"))
	l.Info("start", "now", "x")
	l.Error(errors.New("boom"), "panic", "job", "health")

	dec := json.NewDecoder(&buf)
	var lines []map[string]any
	for {
		var rec map[string]any
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("decode: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	if lines[1]["level"] != "ERROR" || lines[1]["error"] != "boom" || lines[1]["job"] != "health" {
		t.Errorf("error line = %v", lines[1])
	}
}
