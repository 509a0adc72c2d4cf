package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/loomrun/loom/pkg/events"
)

// BusEmitter publishes events to a watermill publisher (in-process gochannel
// or Kafka). Publish failures are logged and dropped.
type BusEmitter struct {
	publisher message.Publisher
	logger    *slog.Logger
}

func NewBusEmitter(publisher message.Publisher, logger *slog.Logger) *BusEmitter {
	return &BusEmitter{
		publisher: publisher,
		logger:    logger,
	}
}

func (b *BusEmitter) Emit(ctx context.Context, key string, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.WarnContext(ctx, "Failed to marshal event, dropping",
			"event_type", event.GetType(), "error", err)

		return
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventKeyMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	err = b.publisher.Publish(events.Topic, msg)
	if err != nil {
		b.logger.WarnContext(ctx, "Failed to publish event, dropping",
			"event_type", event.GetType(), "error", err)
	}
}

func (b *BusEmitter) Close() error {
	return b.publisher.Close()
}
