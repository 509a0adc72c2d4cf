package telemetry

import (
	"context"
	"log/slog"

	"github.com/loomrun/loom/pkg/events"
)

// LogEmitter writes events to the structured logger. It is the default sink
// when no external bus is configured.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(ctx context.Context, key string, event events.Event) {
	l.logger.InfoContext(ctx, "Runtime event",
		"key", key,
		"event_type", event.GetType(),
		"event", event,
	)
}

func (l *LogEmitter) Close() error {
	return nil
}
