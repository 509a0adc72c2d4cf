// Package httpcomp provides the HTTP-completion provider adapter: stateless
// POST requests against a completion endpoint that tracks sessions server-side
// and echoes the session identifier in each response.
package httpcomp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
)

const maxResponseBody = 10 << 20 // 10 MiB

// Factory creates HTTP-completion adapters.
type Factory struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewFactory creates a factory posting to the given completion endpoint. A
// nil client falls back to a plain http.Client; per-invocation timeouts come
// from the request context, not the client.
func NewFactory(endpoint string, client *http.Client, logger *slog.Logger) *Factory {
	if client == nil {
		client = &http.Client{}
	}

	return &Factory{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
	}
}

func (f *Factory) Kind() models.ProviderKind {
	return models.ProviderHTTPCompletion
}

func (f *Factory) Create(spec *models.AgentSpec) (providers.Adapter, error) {
	if f.endpoint == "" {
		return nil, fmt.Errorf("%w: http-completion provider for role %q has no endpoint configured",
			models.ErrConfiguration, spec.RoleName)
	}

	return &Adapter{
		endpoint:  f.endpoint,
		client:    f.client,
		workspace: spec.IsolationTarget,
		logger:    f.logger.With("role", spec.RoleName),
	}, nil
}

type completionRequest struct {
	Task      string `json:"task"`
	SessionID string `json:"session_id,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

type completionResponse struct {
	Output    string  `json:"output"`
	SessionID string  `json:"session_id"`
	Cost      float64 `json:"cost"`
}

// Adapter posts one completion request per invocation.
type Adapter struct {
	endpoint  string
	client    *http.Client
	workspace string
	logger    *slog.Logger
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderHTTPCompletion
}

func (a *Adapter) Invoke(ctx context.Context, req providers.InvokeRequest) (*providers.InvokeResult, error) {
	invokeCtx := ctx

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		invokeCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resuming := req.Session != nil && req.Session.ID != ""

	body := completionRequest{
		Task:      req.Task,
		Workspace: a.workspace,
	}
	if resuming {
		body.SessionID = req.Session.ID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("failed to marshal completion request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(invokeCtx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("failed to build completion request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return nil, providers.NewInvocationError(providers.FailureTimeout, a.Kind(),
				fmt.Errorf("no response within %s: %w", req.Timeout, err))
		}

		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("completion request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("failed to read completion response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		// Conflict and Gone on a continuation mean the server no longer
		// recognizes the session.
		sessionRejected := resuming &&
			(resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone)
		if sessionRejected {
			return nil, providers.NewInvocationError(providers.FailureSessionResume, a.Kind(),
				fmt.Errorf("provider rejected session %s: status %d", req.Session.ID, resp.StatusCode))
		}

		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("completion endpoint returned status %d", resp.StatusCode))
	}

	var result completionResponse

	err = json.Unmarshal(respBody, &result)
	if err != nil {
		return nil, providers.NewInvocationError(providers.FailureMalformedResponse, a.Kind(),
			fmt.Errorf("failed to parse completion response: %w", err))
	}

	if result.SessionID == "" {
		return nil, providers.NewInvocationError(providers.FailureMalformedResponse, a.Kind(),
			errors.New("completion response is missing session_id"))
	}

	return &providers.InvokeResult{
		Output:       result.Output,
		Session:      models.ProviderSession{ID: result.SessionID, Kind: a.Kind()},
		CostEstimate: result.Cost,
	}, nil
}

// Close is a no-op; connections are pooled by the http client.
func (a *Adapter) Close() error {
	return nil
}
