package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raffled.log")

	logger, closer, err := NewLogger(Config{Level: "debug", Output: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug().Str("component", "test").Msg("hello")
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	logger, _, err := NewLogger(Config{Level: "bogus"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
}

func TestNewLoggerBadPath(t *testing.T) {
	if _, _, err := NewLogger(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Fatal("expected error for unwritable path")
	}
}
