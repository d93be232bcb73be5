// Package logger wires the process-wide slog logger. Swarm components log
// through slog attrs (slog.String, slog.Int, slog.Any) and never touch the
// handler directly.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the global slog logger: a human-readable handler on stderr,
// colored when stderr is a terminal. Reads LOG_LEVEL from the environment
// (debug/info/warn/error; default info). Call once early in main.
func Init() {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	h := NewHandler(os.Stderr, level, useColor())
	slog.SetDefault(slog.New(h))
}

// useColor follows the clig.dev conventions: NO_COLOR and TERM=dumb
// disable color, otherwise color is on when stderr is a character device.
func useColor() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
