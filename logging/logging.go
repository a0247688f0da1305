package logging

import (
	"log/slog"
	"os"
)

// Setup installs the default JSON logger for this process. Worker processes
// pass their rank so every line they emit is attributable; the orchestrator
// passes a negative rank and gets no rank attribute.
func Setup(rank int) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)
	if rank >= 0 {
		logger = logger.With("rank", rank)
	}
	slog.SetDefault(logger)
}

func Debug(msg string, keyvals ...interface{}) {
	slog.Debug(msg, keyvals...)
}

func Info(msg string, keyvals ...interface{}) {
	slog.Info(msg, keyvals...)
}

func Warn(msg string, keyvals ...interface{}) {
	slog.Warn(msg, keyvals...)
}

func Error(msg string, keyvals ...interface{}) {
	slog.Error(msg, keyvals...)
}
