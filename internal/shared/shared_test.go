package shared

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestHumanDuration(t *testing.T) {
	tc := []struct {
		name string
		in   time.Duration
		want string
	}{
		{name: "zero", in: 0, want: "0s"},
		{name: "sub-second rounds up", in: 300 * time.Millisecond, want: "1s"},
		{name: "seconds", in: 45 * time.Second, want: "45s"},
		{name: "whole minutes", in: 4 * time.Minute, want: "4m"},
		{name: "minutes and seconds", in: 4*time.Minute + 5*time.Second, want: "4m5s"},
		{name: "hours", in: 90 * time.Minute, want: "1h30m"},
		{name: "whole hours", in: 2 * time.Hour, want: "2h"},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			if got := HumanDuration(tt.in); got != tt.want {
				t.Errorf("HumanDuration(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogging(t *testing.T) {
	t.Run("ParseLogLevel", func(t *testing.T) {
		tc := map[string]log.Level{
			"":       log.InfoLevel,
			"debug":  log.DebugLevel,
			" WARN ": log.WarnLevel,
			"bogus":  log.InfoLevel,
		}
		for in, want := range tc {
			if got := ParseLogLevel(in); got != want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
			}
		}
	})

	t.Run("WithLogger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := WithLogger(NewLogger(&buf), "run", "abc")
		logger.Info("started")
		if !strings.Contains(buf.String(), "run=abc") {
			t.Errorf("expected child logger fields in output, got %q", buf.String())
		}
	})

	t.Run("NewFileLogger", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "ytsync.log")
		logger, closer, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("failed to create file logger: %v", err)
		}
		logger.Info("hello")
		if err := closer.Close(); err != nil {
			t.Fatalf("failed to close log file: %v", err)
		}
	})
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b || len(a) != 36 {
		t.Errorf("expected distinct uuids, got %q and %q", a, b)
	}
}
