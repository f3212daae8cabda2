package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	l, err := New("warn", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) || !l.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("unexpected level gating")
	}
	if _, err := New("debug", true); err != nil {
		t.Fatalf("development logger: %v", err)
	}
	if _, err := New("loud", false); err == nil {
		t.Fatalf("expected bad level to fail")
	}
}
