package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf).With("component", "scheduler")

	logger.Info("task leased", "task_id", "task_1", "runner_id", "rnr_1", "attempt", 1)

	out := buf.String()
	for _, want := range []string{"component=scheduler", "task leased", "task_id=task_1", "runner_id=rnr_1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestComponentLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf).With("component", "server")

	logger.Info("run created", "run_id", "run_1", "jobs", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON object: %v\n%s", err, buf.String())
	}
	if entry["component"] != "server" || entry["msg"] != "run created" {
		t.Errorf("entry = %v", entry)
	}
	if entry["jobs"] != float64(3) {
		t.Errorf("jobs = %v, want 3", entry["jobs"])
	}
}

func TestSQLDebugGatedByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf).With("component", "store")

	// Store query logging sits at Debug and must stay silent at Info.
	logger.Debug("sql", "op", "lease", "runner_id", "rnr_1")
	if buf.Len() != 0 {
		t.Errorf("debug line leaked at info level: %s", buf.String())
	}

	logger.Warn("lease expired, task reclaimed", "task_id", "task_1")
	if !strings.Contains(buf.String(), "lease expired") {
		t.Errorf("warn line missing: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"Info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo, // unknown falls back to info
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	// The test fixtures lean on this; it must swallow every level.
	logger := Discard()
	logger.Debug("sql", "op", "select")
	logger.Error("boom")
}
