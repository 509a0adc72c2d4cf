// Package runtime assembles the execution pipeline: definition loading,
// backend resolution, provider resolution, splicing and engine execution,
// with hot reload of the workflow definition between executions.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/checkpoint/postgres"
	"github.com/loomrun/loom/pkg/checkpoint/sqlite"
	"github.com/loomrun/loom/pkg/engine"
	"github.com/loomrun/loom/pkg/events"
	"github.com/loomrun/loom/pkg/graph"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/otelhelper"
	"github.com/loomrun/loom/pkg/providers"
	"github.com/loomrun/loom/pkg/registry"
	"github.com/loomrun/loom/pkg/telemetry"
	"github.com/loomrun/loom/pkg/workflow"
)

// Config carries everything the runtime needs to execute workflows.
type Config struct {
	WorkflowPath string
	Backend      checkpoint.Config
	Providers    registry.ProviderDefaults
}

// loadedDefinition pairs an immutable definition with its reload generation.
// Executions capture the pointer once at start; a reload swaps the pointer
// and never touches a captured value.
type loadedDefinition struct {
	def        *models.WorkflowDefinition
	generation uint64
}

type Runtime struct {
	logger   *slog.Logger
	emitter  telemetry.Emitter
	tracer   trace.Tracer
	resolver *checkpoint.Resolver
	registry *registry.Registry
	engine   engine.Engine
	splicer  *graph.Splicer
	config   Config

	current    atomic.Pointer[loadedDefinition]
	generation atomic.Uint64
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithTracer attaches a tracer; without it spans are no-ops.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runtime) {
		r.tracer = tracer
	}
}

// WithEngine replaces the default sequential engine.
func WithEngine(eng engine.Engine) Option {
	return func(r *Runtime) {
		r.engine = eng
	}
}

// WithResolver replaces the default backend resolver.
func WithResolver(resolver *checkpoint.Resolver) Option {
	return func(r *Runtime) {
		r.resolver = resolver
	}
}

func New(logger *slog.Logger, emitter telemetry.Emitter, cfg Config, opts ...Option) *Runtime {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultProviders(cfg.Providers)

	rt := &Runtime{
		logger:   logger.With("module", "runtime"),
		emitter:  emitter,
		tracer:   noop.NewTracerProvider().Tracer("loom"),
		resolver: checkpoint.NewResolver(logger, emitter, postgres.Open, sqlite.Open),
		registry: reg,
		engine:   engine.NewSequential(logger),
		splicer:  graph.NewSplicer(logger, emitter),
		config:   cfg,
	}

	for _, opt := range opts {
		opt(rt)
	}

	return rt
}

// LoadWorkflow parses the configured workflow file and makes it the current
// definition. On failure the previous definition stays active and the
// generation does not advance.
func (r *Runtime) LoadWorkflow() error {
	def, err := workflow.Load(r.config.WorkflowPath)
	if err != nil {
		return err
	}

	// Compile and resolve eagerly so configuration errors surface at load
	// time, not on the first execution.
	base, err := workflow.BuildGraph(def, r.logger)
	if err != nil {
		return err
	}

	adapters, err := r.registry.ResolveAll(def.Agents)
	if err != nil {
		return err
	}

	defer closeAdapters(adapters)

	_, err = r.splicer.Splice(base, def.Agents, adapters)
	if err != nil {
		return err
	}

	generation := r.generation.Add(1)
	r.current.Store(&loadedDefinition{def: def, generation: generation})

	r.logger.Info("Workflow definition loaded",
		"workflow", def.Name, "version", def.Version, "generation", generation,
		"nodes", len(def.Nodes), "agents", len(def.Agents))

	return nil
}

// Definition returns the current definition and its generation, or nil when
// nothing is loaded yet.
func (r *Runtime) Definition() (*models.WorkflowDefinition, uint64) {
	loaded := r.current.Load()
	if loaded == nil {
		return nil, 0
	}

	return loaded.def, loaded.generation
}

// Result is the outcome of one completed execution.
type Result struct {
	Workflow    string
	ThreadID    string
	Generation  uint64
	State       graph.State
	BackendKind checkpoint.Kind
	BackendMode checkpoint.Mode
}

// Degraded reports whether the execution ran against the embedded fallback
// instead of the preferred shared backend.
func (r *Result) Degraded() bool {
	return r.BackendMode == checkpoint.ModeDegraded
}

// Execute runs the current definition for one thread. Each call resolves a
// fresh backend handle, resolves adapters, splices agents onto a freshly
// built base graph and drives the engine; nothing is shared with concurrent
// or later executions, so a hot reload between calls takes effect cleanly.
func (r *Runtime) Execute(ctx context.Context, threadID string, input map[string]any) (*Result, error) {
	loaded := r.current.Load()
	if loaded == nil {
		return nil, fmt.Errorf("%w: no workflow definition loaded", models.ErrConfiguration)
	}

	def := loaded.def

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowNameKey, def.Name),
		attribute.String(otelhelper.ThreadIDKey, threadID),
	)
	defer span.End()

	handle, err := r.resolver.Resolve(ctx, r.config.Backend)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	defer func() {
		closeErr := handle.Close(context.WithoutCancel(ctx))
		if closeErr != nil {
			r.logger.WarnContext(ctx, "Failed to close backend store", "error", closeErr)
		}
	}()

	span.SetAttributes(
		attribute.String(otelhelper.BackendKindKey, string(handle.Kind)),
		attribute.String(otelhelper.BackendModeKey, string(handle.Mode)),
	)

	base, err := workflow.BuildGraph(def, r.logger)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	adapters, err := r.registry.ResolveAll(def.Agents)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	defer closeAdapters(adapters)

	augmented, err := r.splicer.Splice(base, def.Agents, adapters)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	started := time.Now()

	r.emitter.Emit(ctx, threadID, events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, def.Name, threadID),
		BackendMode: string(handle.Mode),
	})

	r.logger.InfoContext(ctx, "Executing workflow",
		"workflow", def.Name, "thread_id", threadID, "generation", loaded.generation,
		"backend_kind", handle.Kind, "backend_mode", handle.Mode)

	state, err := r.engine.Run(ctx, augmented, handle, threadID, input)
	if err != nil {
		execErr := newExecutionError(threadID, err)

		r.emitter.Emit(ctx, threadID, events.ExecutionFailed{
			BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent, def.Name, threadID),
			Node:        execErr.Node,
			FailureKind: execErr.FailureKind,
			Error:       err.Error(),
			Duration:    time.Since(started),
		})

		otelhelper.SetError(span, err)

		return nil, execErr
	}

	r.emitter.Emit(ctx, threadID, events.ExecutionCompleted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCompletedEvent, def.Name, threadID),
		Steps:       len(augmented.Nodes),
		BackendMode: string(handle.Mode),
		Duration:    time.Since(started),
	})

	return &Result{
		Workflow:    def.Name,
		ThreadID:    threadID,
		Generation:  loaded.generation,
		State:       state,
		BackendKind: handle.Kind,
		BackendMode: handle.Mode,
	}, nil
}

// History returns the full snapshot trail for a thread, resolving a fresh
// backend handle for the read.
func (r *Runtime) History(ctx context.Context, threadID string) ([]*models.ExecutionSnapshot, error) {
	handle, err := r.resolver.Resolve(ctx, r.config.Backend)
	if err != nil {
		return nil, err
	}

	defer func() {
		closeErr := handle.Close(context.WithoutCancel(ctx))
		if closeErr != nil {
			r.logger.WarnContext(ctx, "Failed to close backend store", "error", closeErr)
		}
	}()

	return handle.SnapshotHistory(ctx, threadID)
}

func closeAdapters(adapters map[string]providers.Adapter) {
	for _, adapter := range adapters {
		_ = adapter.Close()
	}
}

// ExecutionError identifies where and how one execution failed.
type ExecutionError struct {
	ThreadID    string
	Node        string
	FailureKind string
	Err         error
}

func newExecutionError(threadID string, err error) *ExecutionError {
	execErr := &ExecutionError{
		ThreadID:    threadID,
		FailureKind: "runtime_failure",
		Err:         err,
	}

	var nodeErr *engine.NodeError
	if errors.As(err, &nodeErr) {
		execErr.Node = nodeErr.Node
		execErr.FailureKind = "node_failure"
	}

	var invErr *providers.InvocationError
	if errors.As(err, &invErr) {
		execErr.FailureKind = string(invErr.Kind)
	}

	// A losing optimistic write is its own retryable class, not a generic
	// runtime failure.
	if checkpoint.IsConflict(err) {
		execErr.FailureKind = "conflict"
	}

	return execErr
}

func (e *ExecutionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("execution of thread %s failed at node %q: %v", e.ThreadID, e.Node, e.Err)
	}

	return fmt.Sprintf("execution of thread %s failed: %v", e.ThreadID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
