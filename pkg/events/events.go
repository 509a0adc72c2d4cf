// Package events defines the structured event types emitted by the runtime.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the telemetry stream all runtime events are published to.
const Topic = "loom.runtime.events"

const EventKeyMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Backend resolution events.
	BackendUnreachableEvent      EventType = "backend.unreachable"
	BackendResolvedEvent         EventType = "backend.resolved"
	BackendDegradedFallbackEvent EventType = "backend.degraded_fallback"

	// Agent invocation events.
	AgentInvocationStartedEvent  EventType = "agent.invocation.started"
	AgentInvocationFinishedEvent EventType = "agent.invocation.finished"
	AgentInvocationFailedEvent   EventType = "agent.invocation.failed"
	AgentSessionResetEvent       EventType = "agent.session.reset"

	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
)

// Event is anything the runtime can hand to a telemetry emitter.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Workflow  string         `json:"workflow,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps identity and time for one event instance.
func NewBaseEvent(eventType EventType, workflow, threadID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Workflow:  workflow,
		ThreadID:  threadID,
	}
}

// Backend resolution

type BackendUnreachable struct {
	BaseEvent

	BackendKind string `json:"backend_kind"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error"`
}

func (e BackendUnreachable) GetType() EventType {
	return BackendUnreachableEvent
}

type BackendResolved struct {
	BaseEvent

	BackendKind string `json:"backend_kind"`
	Mode        string `json:"mode"`
	Attempts    int    `json:"attempts"`
}

func (e BackendResolved) GetType() EventType {
	return BackendResolvedEvent
}

type BackendDegradedFallback struct {
	BaseEvent

	PreferredKind string `json:"preferred_kind"`
	FallbackKind  string `json:"fallback_kind"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
}

func (e BackendDegradedFallback) GetType() EventType {
	return BackendDegradedFallbackEvent
}

// Agent invocations

type AgentInvocationStarted struct {
	BaseEvent

	Role         string `json:"role"`
	ProviderKind string `json:"provider_kind"`
	Resumed      bool   `json:"resumed"`
}

func (e AgentInvocationStarted) GetType() EventType {
	return AgentInvocationStartedEvent
}

type AgentInvocationFinished struct {
	BaseEvent

	Role         string        `json:"role"`
	ProviderKind string        `json:"provider_kind"`
	SessionID    string        `json:"session_id,omitempty"`
	CostEstimate float64       `json:"cost_estimate"`
	Duration     time.Duration `json:"duration"`
}

func (e AgentInvocationFinished) GetType() EventType {
	return AgentInvocationFinishedEvent
}

type AgentInvocationFailed struct {
	BaseEvent

	Role         string        `json:"role"`
	ProviderKind string        `json:"provider_kind"`
	FailureKind  string        `json:"failure_kind"`
	Error        string        `json:"error"`
	Duration     time.Duration `json:"duration"`
}

func (e AgentInvocationFailed) GetType() EventType {
	return AgentInvocationFailedEvent
}

// AgentSessionReset records a stale session being dropped after the provider
// rejected a continuation request.
type AgentSessionReset struct {
	BaseEvent

	Role            string `json:"role"`
	ProviderKind    string `json:"provider_kind"`
	RejectedSession string `json:"rejected_session"`
}

func (e AgentSessionReset) GetType() EventType {
	return AgentSessionResetEvent
}

// Execution lifecycle

type ExecutionStarted struct {
	BaseEvent

	BackendMode string `json:"backend_mode"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Steps       int           `json:"steps"`
	BackendMode string        `json:"backend_mode"`
	Duration    time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Node        string        `json:"node,omitempty"`
	FailureKind string        `json:"failure_kind"`
	Error       string        `json:"error"`
	Duration    time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}
