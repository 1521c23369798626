package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure(LevelReport, "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("report level should log at info, got %s", log.GetLevel())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "quoteflow.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("router").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, data)
	}
	if line["message"] != "hello" || line["component"] != "router" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	entry := log.WithComponent("counter_test")
	entry.Warn("first")
	entry.Warn("second")
	entry.Error("boom")

	for _, c := range Counts() {
		if c.Component != "counter_test" {
			continue
		}
		if c.Warns != 2 || c.Errors != 1 {
			t.Fatalf("unexpected counts: %+v", c)
		}
		return
	}
	t.Fatalf("component counts missing")
}

func TestWrapperFrames(t *testing.T) {
	cases := map[string]bool{
		"github.com/sirupsen/logrus.(*Entry).Log":   true,
		"quoteflow/logger.(*Entry).Warn":            true,
		"quoteflow/internal/metrics.EmitMetric":     true,
		"quoteflow/internal/monitor.(*Service).run": false,
		"quoteflow/loggerx.Do":                      false,
	}
	for fn, want := range cases {
		if got := isWrapperFrame(fn); got != want {
			t.Errorf("isWrapperFrame(%q) = %v, want %v", fn, got, want)
		}
	}
}

func TestFirstCallerSkipsLoggerFrames(t *testing.T) {
	frame, ok := firstCaller(1)
	if !ok {
		t.Fatal("expected a caller frame")
	}
	// this test lives in the logger package, so the runner is the first outside frame
	if frame.Function != "testing.tRunner" {
		t.Fatalf("unexpected caller %s", frame.Function)
	}
}
