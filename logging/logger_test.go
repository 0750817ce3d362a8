package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestDefaultLoggerDiscardsOutput(t *testing.T) {
	l := Logger()
	if l == nil {
		t.Fatal("Logger() returned nil")
	}
	if l.Enabled(nil, slog.LevelError) {
		t.Fatal("default logger should report disabled for all levels")
	}
}

func TestSetLoggerRoundTrip(t *testing.T) {
	defer SetLogger(nil)

	var buf bytes.Buffer
	custom := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	SetLogger(custom)

	if Logger() != custom {
		t.Fatal("Logger() did not return the configured logger")
	}

	Logger().Info("hello")
	if buf.Len() == 0 {
		t.Fatal("expected log output after SetLogger")
	}
}

func TestSetLoggerNilRestoresDefault(t *testing.T) {
	SetLogger(slog.Default())
	SetLogger(nil)

	if Logger().Enabled(nil, slog.LevelError) {
		t.Fatal("SetLogger(nil) should restore the silent default logger")
	}
}
