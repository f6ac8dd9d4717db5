package notify

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/stateflow"
)

// Logger writes notifications as log records. Useful in development and as a
// fallback sink alongside a remote one.
type Logger struct {
	logger *slog.Logger
}

// NewLogger returns a notifier writing to logger.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Notify(ctx context.Context, note stateflow.Notification) error {
	level := slog.LevelInfo
	if note.Level == stateflow.LevelError {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("subject", note.Subject),
		slog.String("run_id", note.RunID),
		slog.String("key", note.Key),
		slog.String("definition", note.DefinitionID),
	}
	if len(note.Fields) > 0 {
		attrs = append(attrs, slog.Any("fields", note.Fields))
	}
	l.logger.LogAttrs(ctx, level, note.Message, attrs...)
	return nil
}
