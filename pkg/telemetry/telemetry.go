// Package telemetry delivers structured runtime events to an external sink.
// Emission is fire-and-forget: a missing or failing sink never affects the
// execution that produced the event.
package telemetry

import (
	"context"

	"github.com/loomrun/loom/pkg/events"
)

// Emitter is the sink-facing contract. Implementations must not block the
// caller beyond local buffering and must swallow delivery failures.
type Emitter interface {
	Emit(ctx context.Context, key string, event events.Event)
	Close() error
}

// NullEmitter drops every event.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

func (n *NullEmitter) Emit(_ context.Context, _ string, _ events.Event) {}

func (n *NullEmitter) Close() error {
	return nil
}
