package siteatlas

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with search-pass helpers so every component logs
// the same field names.
type Logger struct {
	*slog.Logger
}

// NewLogger builds a Logger on the given handler, falling back to text on
// stderr at info level when handler is nil.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger builds a Logger emitting JSON records to stderr at the given
// minimum level.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger builds a Logger emitting human-readable records to stderr at
// the given minimum level.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger builds a Logger that discards everything.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTerm adds the search term to every record the returned Logger emits.
func (l *Logger) WithTerm(term string) *Logger {
	return &Logger{
		Logger: l.Logger.With("term", term),
	}
}

// WithGeneration adds the pass generation to every record the returned
// Logger emits.
func (l *Logger) WithGeneration(gen uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("generation", gen),
	}
}

// LogSearch logs one search pass. The term and generation come from the
// With helpers.
func (l *Logger) LogSearch(ctx context.Context, matched, total int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"matched", matched,
			"total", total,
		)
	}
}

// LogApply logs one map-application pass.
func (l *Logger) LogApply(ctx context.Context, added, removed, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "map update completed with failures",
			"added", added,
			"removed", removed,
			"failed", failed,
		)
	} else {
		l.DebugContext(ctx, "map update completed",
			"added", added,
			"removed", removed,
		)
	}
}

// LogGate logs a gated search attempt.
func (l *Logger) LogGate(ctx context.Context, zoom float64) {
	l.DebugContext(ctx, "search gated",
		"zoom", zoom,
	)
}
