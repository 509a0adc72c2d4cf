// Package providers defines the uniform capability contract over the external
// agent-execution mechanisms (subprocess CLI, long-lived session protocol,
// HTTP completion API).
package providers

import (
	"context"
	"time"

	"github.com/loomrun/loom/pkg/models"
)

// InvokeRequest carries one task to a provider. Session is nil on the first
// invocation for a role; afterwards it is the value read back from the
// thread's persisted state. Isolation is the agent's isolation target, passed
// through uninterpreted.
type InvokeRequest struct {
	Task      string
	Session   *models.ProviderSession
	Isolation string
	Timeout   time.Duration
}

// InvokeResult is a successful provider response. Session is always set: it
// may be the unchanged input session, an extended one, or a newly minted one.
type InvokeResult struct {
	Output       string
	Session      models.ProviderSession
	CostEstimate float64
}

// Adapter wraps one provider mechanism. Implementations are stateless between
// invocations apart from private connection or process lifecycle management,
// and must be safe for concurrent use across different roles. A single
// instance is not required to support concurrent calls for the same session;
// provider sessions are inherently sequential.
type Adapter interface {
	Kind() models.ProviderKind

	// Invoke runs one task. Failures are reported as *InvocationError so the
	// caller can pick a retry policy per failure kind. On timeout the adapter
	// best-effort terminates the underlying process or connection before
	// returning.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)

	Close() error
}

// Factory creates one adapter instance per agent spec. Factories perform no
// I/O; adapters establish their process or connection lazily on first use.
type Factory interface {
	Kind() models.ProviderKind
	Create(spec *models.AgentSpec) (Adapter, error)
}
