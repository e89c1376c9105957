package logger

import (
	"io"
	"log/slog"
	"time"
)

// NewSlogLogger returns a Logger that writes JSON lines to w at the given
// level. Intended for tests and tools that do not load a LoggingConfig.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	lvl := parseSlogLevel(level)
	return &moduleLogger{
		logger: slog.New(newJSONHandler(w, lvl, tz)),
		level:  lvl,
	}
}
