package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %q: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	defer Setup("info", "console")

	Setup("error", "console")
	if got := zerolog.GlobalLevel(); got != zerolog.ErrorLevel {
		t.Fatalf("expected error level, got %v", got)
	}
}

func TestJSONFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	Log.Info("download finished", "repo", "user/model", "bytes", 42, 7, "non-string key", "orphan")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if rec["message"] != "download finished" {
		t.Errorf("unexpected message %v", rec["message"])
	}
	if rec["repo"] != "user/model" {
		t.Errorf("unexpected repo %v", rec["repo"])
	}
	if rec["bytes"].(float64) != 42 {
		t.Errorf("unexpected bytes %v", rec["bytes"])
	}
	if rec["7"] != "non-string key" {
		t.Errorf("non-string key not stringified: %v", rec)
	}
	if _, ok := rec["orphan"]; ok {
		t.Error("orphan key should be dropped")
	}
}

func TestErrorValues(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	Log.Error("request failed", "error", errors.New("boom"))
	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("error not rendered as string: %s", buf.String())
	}
}

func TestWith(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	child := Log.With("component", "download")
	child.Warn("retrying", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, `"component":"download"`) || !strings.Contains(out, `"attempt":2`) {
		t.Errorf("child fields missing: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")

	Log.Debug("hidden")
	Log.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected filtered output, got %s", buf.String())
	}
	Log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn should pass the filter")
	}
}

func TestConsoleFormat(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "console")
	Log.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("console output missing message: %q", buf.String())
	}
}
