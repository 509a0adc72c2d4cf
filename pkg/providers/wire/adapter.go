// Package wire provides the session-protocol provider adapter: a long-lived
// websocket connection carrying JSON request/response frames, with the
// provider holding session state on its side of the wire.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
)

const defaultHandshakeTimeout = 10 * time.Second

// Factory creates session-protocol adapters.
type Factory struct {
	url    string
	logger *slog.Logger
}

// NewFactory creates a factory dialing the given websocket URL.
func NewFactory(url string, logger *slog.Logger) *Factory {
	return &Factory{
		url:    url,
		logger: logger,
	}
}

func (f *Factory) Kind() models.ProviderKind {
	return models.ProviderSessionProtocol
}

func (f *Factory) Create(spec *models.AgentSpec) (providers.Adapter, error) {
	if f.url == "" {
		return nil, fmt.Errorf("%w: session-protocol provider for role %q has no endpoint configured",
			models.ErrConfiguration, spec.RoleName)
	}

	return &Adapter{
		url:    f.url,
		logger: f.logger.With("role", spec.RoleName),
	}, nil
}

// invokeFrame is one request on the wire.
type invokeFrame struct {
	Type      string `json:"type"`
	Task      string `json:"task"`
	SessionID string `json:"session_id,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// resultFrame is one response on the wire. Type is "result" or "error".
type resultFrame struct {
	Type      string  `json:"type"`
	Output    string  `json:"output"`
	SessionID string  `json:"session_id"`
	Cost      float64 `json:"cost"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
}

// Adapter holds one lazily-dialed connection. The mutex serializes frames on
// the wire; provider sessions are sequential so this costs nothing for a
// single role, and each role gets its own adapter instance.
type Adapter struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderSessionProtocol
}

func (a *Adapter) Invoke(ctx context.Context, req providers.InvokeRequest) (*providers.InvokeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.ensureConn(ctx)
	if err != nil {
		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("failed to dial provider: %w", err))
	}

	frame := invokeFrame{
		Type:      "invoke",
		Task:      req.Task,
		Workspace: req.Isolation,
	}

	resuming := req.Session != nil && req.Session.ID != ""
	if resuming {
		frame.SessionID = req.Session.ID
	}

	deadline := time.Time{}
	if req.Timeout > 0 {
		deadline = time.Now().Add(req.Timeout)
	}

	_ = conn.SetWriteDeadline(deadline)

	err = conn.WriteJSON(frame)
	if err != nil {
		a.dropConn()

		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("failed to send invoke frame: %w", err))
	}

	_ = conn.SetReadDeadline(deadline)

	var result resultFrame

	err = conn.ReadJSON(&result)
	if err != nil {
		// A dead connection is useless after a timeout mid-exchange; drop it
		// so the next invocation redials instead of reading a stale frame.
		a.dropConn()

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, providers.NewInvocationError(providers.FailureTimeout, a.Kind(),
				fmt.Errorf("no response within %s: %w", req.Timeout, err))
		}

		var jsonErr *json.SyntaxError
		if errors.As(err, &jsonErr) {
			return nil, providers.NewInvocationError(providers.FailureMalformedResponse, a.Kind(),
				fmt.Errorf("failed to parse response frame: %w", err))
		}

		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("failed to read response frame: %w", err))
	}

	switch result.Type {
	case "result":
		if result.SessionID == "" {
			return nil, providers.NewInvocationError(providers.FailureMalformedResponse, a.Kind(),
				errors.New("response frame is missing session_id"))
		}

		return &providers.InvokeResult{
			Output:       result.Output,
			Session:      models.ProviderSession{ID: result.SessionID, Kind: a.Kind()},
			CostEstimate: result.Cost,
		}, nil
	case "error":
		if resuming && isSessionCode(result.Code) {
			return nil, providers.NewInvocationError(providers.FailureSessionResume, a.Kind(),
				fmt.Errorf("provider rejected session %s: %s", req.Session.ID, result.Message))
		}

		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("provider error %s: %s", result.Code, result.Message))
	default:
		return nil, providers.NewInvocationError(providers.FailureMalformedResponse, a.Kind(),
			fmt.Errorf("unexpected frame type %q", result.Type))
	}
}

// Close shuts the connection down if one was established.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}

	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	err := a.conn.Close()
	a.conn = nil

	return err
}

func (a *Adapter) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Session-protocol connection established", "url", a.url)
	a.conn = conn

	return conn, nil
}

func (a *Adapter) dropConn() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func isSessionCode(code string) bool {
	switch code {
	case "session_expired", "session_not_found", "session_rejected":
		return true
	default:
		return false
	}
}
