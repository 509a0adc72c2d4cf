package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/checkpoint/sqlite"
	"github.com/loomrun/loom/pkg/log"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/registry"
	"github.com/loomrun/loom/pkg/telemetry"
)

const simpleWorkflow = `
name: greeting
state:
  input: string
  greeting: string
  done: bool
nodes:
  - name: greet
    kind: template
    config:
      field: greeting
      template: "hello, {{ .input }}"
  - name: finish
    kind: set
    config:
      values:
        done: true
edges:
  - from: start
    to: greet
  - from: greet
    to: finish
  - from: finish
    to: end
`

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func newTestRuntime(t *testing.T, workflowPath string, opts ...Option) *Runtime {
	t.Helper()

	return New(log.WithModule("test"), telemetry.NewNullEmitter(), Config{
		WorkflowPath: workflowPath,
		Backend: checkpoint.Config{
			Kind: checkpoint.KindEmbedded,
			Path: filepath.Join(t.TempDir(), "snapshots.db"),
		},
	}, opts...)
}

func TestExecuteWithoutLoadedWorkflow(t *testing.T) {
	rt := newTestRuntime(t, "unused.yaml")

	_, err := rt.Execute(context.Background(), "thread-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestExecuteEndToEnd(t *testing.T) {
	rt := newTestRuntime(t, writeWorkflow(t, simpleWorkflow))
	require.NoError(t, rt.LoadWorkflow())

	result, err := rt.Execute(context.Background(), "thread-1", map[string]any{"input": "world"})
	require.NoError(t, err)

	assert.Equal(t, "greeting", result.Workflow)
	assert.Equal(t, "thread-1", result.ThreadID)
	assert.Equal(t, checkpoint.KindEmbedded, result.BackendKind)
	assert.Equal(t, checkpoint.ModePrimary, result.BackendMode)
	assert.False(t, result.Degraded())

	assert.Equal(t, "hello, world", result.State["greeting"])
	assert.Equal(t, true, result.State["done"])
}

func TestExecutePersistsSnapshotTrail(t *testing.T) {
	rt := newTestRuntime(t, writeWorkflow(t, simpleWorkflow))
	require.NoError(t, rt.LoadWorkflow())

	_, err := rt.Execute(context.Background(), "thread-1", map[string]any{"input": "world"})
	require.NoError(t, err)

	history, err := rt.History(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, int64(1), history[0].Version)
	assert.Equal(t, "hello, world", history[0].Fields["greeting"])
	assert.Equal(t, int64(2), history[1].Version)
	assert.Equal(t, true, history[1].Fields["done"])
}

func TestExecuteNodeFailure(t *testing.T) {
	// Dereferencing a field of a plain string fails at template execution.
	broken := `
name: broken
state:
  input: string
  out: string
nodes:
  - name: explode
    kind: template
    config:
      field: out
      template: "{{ .input.missing }}"
edges:
  - from: start
    to: explode
  - from: explode
    to: end
`
	rt := newTestRuntime(t, writeWorkflow(t, broken))
	require.NoError(t, rt.LoadWorkflow())

	_, err := rt.Execute(context.Background(), "thread-1", map[string]any{"input": "plain"})
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "thread-1", execErr.ThreadID)
	assert.Equal(t, "explode", execErr.Node)
	assert.Equal(t, "node_failure", execErr.FailureKind)

	// The failed step left no snapshot behind.
	history, err := rt.History(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestExecuteDegradedFallback(t *testing.T) {
	failShared := func(_ context.Context, _ checkpoint.Config) (checkpoint.Store, error) {
		return nil, errors.New("connection refused")
	}

	instant := func(_ context.Context, _ time.Duration) error {
		return nil
	}

	emitter := telemetry.NewNullEmitter()
	logger := log.WithModule("test")

	resolver := checkpoint.NewResolver(logger, emitter, failShared, sqlite.Open,
		checkpoint.WithSleep(instant))

	rt := New(logger, emitter, Config{
		WorkflowPath: writeWorkflow(t, simpleWorkflow),
		Backend: checkpoint.Config{
			Kind: checkpoint.KindShared,
			Path: filepath.Join(t.TempDir(), "fallback.db"),
		},
	}, WithResolver(resolver))
	require.NoError(t, rt.LoadWorkflow())

	result, err := rt.Execute(context.Background(), "thread-1", map[string]any{"input": "world"})
	require.NoError(t, err)

	assert.True(t, result.Degraded())
	assert.Equal(t, checkpoint.KindEmbedded, result.BackendKind)
	assert.Equal(t, "hello, world", result.State["greeting"])
}

func TestLoadWorkflowAdvancesGeneration(t *testing.T) {
	path := writeWorkflow(t, simpleWorkflow)
	rt := newTestRuntime(t, path)

	require.NoError(t, rt.LoadWorkflow())

	def, generation := rt.Definition()
	require.NotNil(t, def)
	assert.Equal(t, uint64(1), generation)

	require.NoError(t, os.WriteFile(path, []byte(simpleWorkflow), 0o600))
	require.NoError(t, rt.LoadWorkflow())

	_, generation = rt.Definition()
	assert.Equal(t, uint64(2), generation)
}

func TestLoadWorkflowKeepsPreviousOnFailure(t *testing.T) {
	path := writeWorkflow(t, simpleWorkflow)
	rt := newTestRuntime(t, path)
	require.NoError(t, rt.LoadWorkflow())

	require.NoError(t, os.WriteFile(path, []byte("name: [broken"), 0o600))

	err := rt.LoadWorkflow()
	require.Error(t, err)

	def, generation := rt.Definition()
	require.NotNil(t, def)
	assert.Equal(t, "greeting", def.Name)
	assert.Equal(t, uint64(1), generation)
}

func TestExecuteSecondInvocationRunsThreadAgain(t *testing.T) {
	rt := newTestRuntime(t, writeWorkflow(t, simpleWorkflow))
	require.NoError(t, rt.LoadWorkflow())

	_, err := rt.Execute(context.Background(), "thread-1", map[string]any{"input": "world"})
	require.NoError(t, err)

	// A second invocation of a completed thread executes every node again,
	// starting from the persisted state. The input carries over.
	result, err := rt.Execute(context.Background(), "thread-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", result.State["greeting"])

	history, err := rt.History(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, int64(4), history[3].Version)
}

func TestExecuteSessionContinuityAcrossInvocations(t *testing.T) {
	var (
		mu       sync.Mutex
		sessions []string
		minted   int
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Task      string `json:"task"`
			SessionID string `json:"session_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		sessions = append(sessions, req.SessionID)
		minted++
		id := fmt.Sprintf("session-%d", minted)
		mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{
			"output":     "reviewed: " + req.Task,
			"session_id": id,
			"cost":       0.1,
		})
	}))
	defer server.Close()

	reviewed := `
name: reviewed-greeting
state:
  input: string
  greeting: string
nodes:
  - name: greet
    kind: template
    config:
      field: greeting
      template: "hello, {{ .input }}"
edges:
  - from: start
    to: greet
  - from: greet
    to: end
agents:
  - role: reviewer
    provider: http-completion
    insert:
      node: greet
      position: after
    task: "check {{ .greeting }}"
`

	rt := New(log.WithModule("test"), telemetry.NewNullEmitter(), Config{
		WorkflowPath: writeWorkflow(t, reviewed),
		Backend: checkpoint.Config{
			Kind: checkpoint.KindEmbedded,
			Path: filepath.Join(t.TempDir(), "snapshots.db"),
		},
		Providers: registry.ProviderDefaults{HTTPEndpoint: server.URL},
	})
	require.NoError(t, rt.LoadWorkflow())

	_, err := rt.Execute(context.Background(), "thread-1", map[string]any{"input": "world"})
	require.NoError(t, err)

	result, err := rt.Execute(context.Background(), "thread-1", nil)
	require.NoError(t, err)

	// The second invocation sends back the session the first one persisted.
	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []string{"", "session-1"}, sessions)
	assert.Equal(t, "session-2", result.State["reviewer_session"])
	assert.Equal(t, "reviewed: check hello, world", result.State["reviewer_output"])
}

func TestExecutionErrorConflictKind(t *testing.T) {
	err := fmt.Errorf("failed to commit step 1 for thread thread-1: %w",
		checkpoint.NewSnapshotError("Put", "thread-1", 2, checkpoint.ErrConflict))

	execErr := newExecutionError("thread-1", err)
	assert.Equal(t, "conflict", execErr.FailureKind)
	assert.ErrorIs(t, execErr, checkpoint.ErrConflict)
}
