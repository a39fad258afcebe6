package util

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "debug",
		"warn":  "warn",
		"":      "info",
		"bogus": "info",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := NewLoggerWithFile(path, "debug")
	if err != nil {
		t.Fatalf("NewLoggerWithFile: %v", err)
	}
	logger.Debug("hello", zap.String("k", "v"))
	_ = logger.Sync()
}

func TestManualClock(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewManualClock(start)
	c.Advance(time.Minute)
	if got := c.Now().Unix(); got != 1700000060 {
		t.Errorf("now = %d, want 1700000060", got)
	}
}
