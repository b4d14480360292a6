package events

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
)

// LogSink writes events to a slog logger. Progress is logged at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or to slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelInfo
	switch ev.Kind {
	case KindProgress:
		level = slog.LevelDebug
	case KindFailed, KindRejected:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		logfields.BuildID(ev.BuildID),
		slog.String("event", string(ev.Kind)),
		slog.String("event_id", ev.ID),
	}
	if ev.Stage != "" {
		attrs = append(attrs, logfields.Stage(ev.Stage), logfields.Progress(ev.Progress))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String(logfields.KeyError, ev.Error))
	}
	logger.LogAttrs(ctx, level, "Build event", attrs...)
	return nil
}
