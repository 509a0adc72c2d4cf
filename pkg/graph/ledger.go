package graph

import (
	"context"

	"github.com/loomrun/loom/pkg/events"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
	"github.com/loomrun/loom/pkg/telemetry"
)

// SessionLedger is not a separate store: it is the naming policy for one
// role's state fields and the read/write discipline around them. The session
// read happens-before the adapter call; the write lands in the same update
// set as the output, so there is no crash window where one is persisted
// without the other.
type SessionLedger struct {
	role string
	kind models.ProviderKind
}

func NewSessionLedger(role string, kind models.ProviderKind) *SessionLedger {
	return &SessionLedger{
		role: role,
		kind: kind,
	}
}

func (l *SessionLedger) OutputField() string {
	return l.role + "_output"
}

func (l *SessionLedger) SessionField() string {
	return l.role + "_session"
}

func (l *SessionLedger) CostField() string {
	return l.role + "_cost"
}

// Fields returns the three namespaced fields owned by the role's node.
func (l *SessionLedger) Fields() []string {
	return []string{l.OutputField(), l.SessionField(), l.CostField()}
}

// Read returns the role's last-known session from state, or nil when the
// role has never run for this thread.
func (l *SessionLedger) Read(state State) *models.ProviderSession {
	raw, ok := state[l.SessionField()]
	if !ok {
		return nil
	}

	id, ok := raw.(string)
	if !ok || id == "" {
		return nil
	}

	return &models.ProviderSession{ID: id, Kind: l.kind}
}

// Apply writes the invocation result into the update set: output, session
// and cost together, never separately.
func (l *SessionLedger) Apply(updates Updates, result *providers.InvokeResult) {
	updates[l.OutputField()] = result.Output
	updates[l.SessionField()] = result.Session.ID
	updates[l.CostField()] = result.CostEstimate
}

// Invoke calls the adapter with the session read from state. On a session
// resume failure it retries exactly once with no session, because a stale
// session is recoverable by forgetting it; every other failure kind
// propagates untouched.
func (l *SessionLedger) Invoke(
	ctx context.Context,
	adapter providers.Adapter,
	req providers.InvokeRequest,
	emitter telemetry.Emitter,
) (*providers.InvokeResult, error) {
	result, err := adapter.Invoke(ctx, req)
	if err == nil {
		return result, nil
	}

	if req.Session == nil || !providers.IsSessionResumeFailure(err) {
		return nil, err
	}

	info := ExecutionInfoFrom(ctx)
	emitter.Emit(ctx, l.role, events.AgentSessionReset{
		BaseEvent:       events.NewBaseEvent(events.AgentSessionResetEvent, info.Workflow, info.ThreadID),
		Role:            l.role,
		ProviderKind:    string(l.kind),
		RejectedSession: req.Session.ID,
	})

	req.Session = nil

	return adapter.Invoke(ctx, req)
}
