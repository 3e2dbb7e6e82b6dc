package searchpages

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger with index-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
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

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithSegment adds a segment field to the logger.
func (l *Logger) WithSegment(id uuid.UUID) *Logger {
	return &Logger{
		Logger: l.Logger.With("segment", id),
	}
}

// LogInsert logs a flushed segment.
func (l *Logger) LogInsert(ctx context.Context, docs int, segment uuid.UUID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"docs", docs,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "segment flushed",
			"docs", docs,
			"segment", segment,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, limit, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"limit", limit,
			"results", resultsFound,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"limit", limit,
			"results", resultsFound,
		)
	}
}

// LogMerge logs a merge attempt. Contention is expected and logged at
// debug level.
func (l *Logger) LogMerge(ctx context.Context, inputs, outputs int, contended bool, err error) {
	switch {
	case err != nil && contended:
		l.DebugContext(ctx, "merge skipped",
			"reason", err,
		)
	case err != nil:
		l.ErrorContext(ctx, "merge failed",
			"inputs", inputs,
			"error", err,
		)
	default:
		l.InfoContext(ctx, "merge completed",
			"inputs", inputs,
			"outputs", outputs,
		)
	}
}

// LogVacuum logs a vacuum pass.
func (l *Logger) LogVacuum(ctx context.Context, res VacuumResult, err error) {
	if err != nil {
		l.ErrorContext(ctx, "vacuum failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "vacuum completed",
			"deleted_docs", res.DeletedDocs,
			"segments_merged", res.SegmentsMerged,
			"entries_reclaimed", res.EntriesReclaimed,
			"freed_blocks", res.FreedBlocks,
			"merges_removed", res.MergeEntriesRemoved,
		)
	}
}

// LogExport logs an export.
func (l *Logger) LogExport(ctx context.Context, prefix string, segments int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "export failed",
			"prefix", prefix,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "export completed",
			"prefix", prefix,
			"segments", segments,
		)
	}
}
