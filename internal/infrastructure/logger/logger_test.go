package logger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")
	l, err := NewLogger(Config{Level: "warn", Format: "json", OutputPath: out, InstanceID: "test"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Sync()

	if l.Level() != zapcore.WarnLevel {
		t.Fatalf("level = %s, want warn", l.Level())
	}
	if !l.SetLevel("debug") || l.Level() != zapcore.DebugLevel {
		t.Fatal("SetLevel(debug) did not apply")
	}
	if l.SetLevel("loud") {
		t.Fatal("SetLevel accepted an unknown level")
	}
	if l.Level() != zapcore.DebugLevel {
		t.Fatal("unknown level changed the current level")
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	l, err := NewLogger(Config{Level: "bogus", Format: "console", OutputPath: filepath.Join(t.TempDir(), "x.log")})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if l.Level() != zapcore.InfoLevel {
		t.Errorf("level = %s, want info", l.Level())
	}
}
