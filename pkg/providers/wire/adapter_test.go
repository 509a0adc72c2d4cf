package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/log"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
)

var upgrader = websocket.Upgrader{}

// newTestServer runs a websocket endpoint answering each invoke frame via
// respond.
func newTestServer(t *testing.T, respond func(req invokeFrame) resultFrame) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer func() { _ = conn.Close() }()

		for {
			var frame invokeFrame

			err := conn.ReadJSON(&frame)
			if err != nil {
				return
			}

			err = conn.WriteJSON(respond(frame))
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestAdapter(t *testing.T, url string) providers.Adapter {
	t.Helper()

	factory := NewFactory(url, log.WithModule("test"))

	adapter, err := factory.Create(&models.AgentSpec{
		RoleName:        "reviewer",
		ProviderKind:    models.ProviderSessionProtocol,
		IsolationTarget: "workspace-1",
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = adapter.Close() })

	return adapter
}

func TestFactoryRequiresURL(t *testing.T) {
	factory := NewFactory("", log.WithModule("test"))

	_, err := factory.Create(&models.AgentSpec{RoleName: "reviewer"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestInvokeRoundTrip(t *testing.T) {
	url := newTestServer(t, func(req invokeFrame) resultFrame {
		return resultFrame{
			Type:      "result",
			Output:    "done: " + req.Task,
			SessionID: "session-1",
			Cost:      0.1,
		}
	})

	adapter := newTestAdapter(t, url)

	result, err := adapter.Invoke(context.Background(), providers.InvokeRequest{
		Task:      "summarize",
		Isolation: "workspace-1",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "done: summarize", result.Output)
	assert.Equal(t, "session-1", result.Session.ID)
	assert.Equal(t, models.ProviderSessionProtocol, result.Session.Kind)
	assert.Equal(t, 0.1, result.CostEstimate)
}

func TestInvokeSendsSessionAndWorkspace(t *testing.T) {
	var received invokeFrame

	url := newTestServer(t, func(req invokeFrame) resultFrame {
		received = req

		return resultFrame{Type: "result", Output: "ok", SessionID: req.SessionID}
	})

	adapter := newTestAdapter(t, url)

	_, err := adapter.Invoke(context.Background(), providers.InvokeRequest{
		Task:      "continue",
		Session:   &models.ProviderSession{ID: "session-9"},
		Isolation: "workspace-1",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "invoke", received.Type)
	assert.Equal(t, "session-9", received.SessionID)
	assert.Equal(t, "workspace-1", received.Workspace)
}

func TestInvokeSessionRejectedWhileResuming(t *testing.T) {
	url := newTestServer(t, func(_ invokeFrame) resultFrame {
		return resultFrame{Type: "error", Code: "session_expired", Message: "expired"}
	})

	adapter := newTestAdapter(t, url)

	_, err := adapter.Invoke(context.Background(), providers.InvokeRequest{
		Task:    "continue",
		Session: &models.ProviderSession{ID: "session-old"},
		Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.True(t, providers.IsSessionResumeFailure(err))
}

func TestInvokeErrorWithoutSessionIsInvocationFailure(t *testing.T) {
	url := newTestServer(t, func(_ invokeFrame) resultFrame {
		return resultFrame{Type: "error", Code: "session_expired", Message: "expired"}
	})

	adapter := newTestAdapter(t, url)

	_, err := adapter.Invoke(context.Background(), providers.InvokeRequest{
		Task:    "go",
		Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, providers.FailureInvocation, providers.KindOf(err))
}

func TestInvokeMissingSessionIDIsMalformed(t *testing.T) {
	url := newTestServer(t, func(_ invokeFrame) resultFrame {
		return resultFrame{Type: "result", Output: "ok"}
	})

	adapter := newTestAdapter(t, url)

	_, err := adapter.Invoke(context.Background(), providers.InvokeRequest{
		Task:    "go",
		Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.True(t, providers.IsMalformedResponse(err))
}

func TestInvokeUnexpectedFrameTypeIsMalformed(t *testing.T) {
	url := newTestServer(t, func(_ invokeFrame) resultFrame {
		return resultFrame{Type: "banner", Output: "hello"}
	})

	adapter := newTestAdapter(t, url)

	_, err := adapter.Invoke(context.Background(), providers.InvokeRequest{
		Task:    "go",
		Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.True(t, providers.IsMalformedResponse(err))
}

func TestInvokeTimeoutDropsConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer func() { _ = conn.Close() }()

		// Read the frame but never answer.
		var frame invokeFrame
		_ = conn.ReadJSON(&frame)
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(server.Close)

	adapter := newTestAdapter(t, "ws"+strings.TrimPrefix(server.URL, "http"))

	_, err := adapter.Invoke(context.Background(), providers.InvokeRequest{
		Task:    "slow",
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, providers.IsTimeout(err))
}

func TestInvokeDialFailure(t *testing.T) {
	adapter := newTestAdapter(t, "ws://127.0.0.1:1/unreachable")

	_, err := adapter.Invoke(context.Background(), providers.InvokeRequest{Task: "go"})
	require.Error(t, err)
	assert.Equal(t, providers.FailureInvocation, providers.KindOf(err))
}
