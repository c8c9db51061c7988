package core

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger provides enhanced logging capabilities for The Relay
type Logger struct {
	*slog.Logger
	features *featureLoggers
}

type featureLoggers struct {
	mu      sync.Mutex
	loggers map[string]*slog.Logger
}

// NewLogger creates a new logger instance writing text to stdout at info level
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout, "info")
}

// NewLoggerWithWriter creates a logger writing to w at the named level
// (debug, info, warn, error). Unknown levels fall back to info.
func NewLoggerWithWriter(w io.Writer, level string) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})

	return &Logger{
		Logger:   slog.New(handler),
		features: &featureLoggers{loggers: make(map[string]*slog.Logger)},
	}
}

// NewDiscardLogger returns a logger that drops everything. Used by tests.
func NewDiscardLogger() *Logger {
	return NewLoggerWithWriter(io.Discard, "error")
}

// ParseLevel maps a level name to a slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ForFeature returns a logger specific to a feature
func (l *Logger) ForFeature(featureName string) *Logger {
	l.features.mu.Lock()
	defer l.features.mu.Unlock()

	featureLogger, exists := l.features.loggers[featureName]
	if !exists {
		// Create feature-specific logger with feature name in context
		featureLogger = l.Logger.With("feature", featureName)
		l.features.loggers[featureName] = featureLogger
	}

	return &Logger{
		Logger:   featureLogger,
		features: l.features,
	}
}

// With returns a logger carrying extra attributes
func (l *Logger) With(attrs ...any) *Logger {
	return &Logger{
		Logger:   l.Logger.With(attrs...),
		features: l.features,
	}
}

// LogFeatureEvent logs a feature-specific event
func (l *Logger) LogFeatureEvent(featureName, event string, attrs ...any) {
	featureLogger := l.ForFeature(featureName)
	featureLogger.Info("Feature event", append([]any{"event", event}, attrs...)...)
}

// LogFeatureError logs a feature-specific error
func (l *Logger) LogFeatureError(featureName, message string, err error, attrs ...any) {
	featureLogger := l.ForFeature(featureName)
	allAttrs := append([]any{"error", err}, attrs...)
	featureLogger.Error(message, allAttrs...)
}
