package models

import "time"

// ProviderKind identifies the mechanism behind an agent's capability provider.
type ProviderKind string

const (
	ProviderSubprocessCLI   ProviderKind = "subprocess-cli"
	ProviderSessionProtocol ProviderKind = "session-protocol"
	ProviderHTTPCompletion  ProviderKind = "http-completion"
)

// Position selects which side of the anchor node an agent is inserted on.
type Position string

const (
	PositionBefore Position = "before"
	PositionAfter  Position = "after"
)

// InsertionPoint references an existing node of the base graph.
type InsertionPoint struct {
	Node     string   `json:"node"     yaml:"node"     validate:"required"`
	Position Position `json:"position" yaml:"position" validate:"required,oneof=before after"`
}

// AgentSpec declares one agent node to splice into the base graph. RoleName
// namespaces the agent's state fields and must be unique within a workflow;
// IsolationTarget is passed through to the provider uninterpreted (a
// repository path, container name or workspace identifier).
type AgentSpec struct {
	RoleName        string         `json:"role"             yaml:"role"             validate:"required,min=1"`
	ProviderKind    ProviderKind   `json:"provider"         yaml:"provider"         validate:"required,oneof=subprocess-cli session-protocol http-completion"`
	IsolationTarget string         `json:"isolation_target" yaml:"isolation_target"`
	InsertionPoint  InsertionPoint `json:"insert"           yaml:"insert"`
	Timeout         time.Duration  `json:"timeout"          yaml:"timeout"`

	// Task is an optional text/template rendered against the current state to
	// produce the provider task. When empty, the "input" state field is sent
	// as-is.
	Task string `json:"task,omitempty" yaml:"task"`
}

// DefaultAgentTimeout applies when a spec omits its timeout.
const DefaultAgentTimeout = 5 * time.Minute

// EffectiveTimeout returns the spec timeout or the default.
func (s *AgentSpec) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultAgentTimeout
	}

	return s.Timeout
}
