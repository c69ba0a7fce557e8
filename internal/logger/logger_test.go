package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		log, err := New(level)
		if err != nil {
			t.Fatalf("New(%q) error = %v", level, err)
		}
		if !log.Core().Enabled(mustLevel(t, level)) {
			t.Errorf("level %q not enabled", level)
		}
	}

	if _, err := New("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func mustLevel(t *testing.T, s string) zapcore.Level {
	t.Helper()
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		t.Fatal(err)
	}
	return lvl
}
