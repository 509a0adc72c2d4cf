package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/graph"
	"github.com/loomrun/loom/pkg/models"
)

// Sequential executes nodes one at a time in a stable topological order. Each
// completed node commits exactly one snapshot; a failing node commits
// nothing, so the thread resumes from the last completed step.
type Sequential struct {
	logger *slog.Logger
}

func NewSequential(logger *slog.Logger) *Sequential {
	return &Sequential{
		logger: logger.With("module", "engine"),
	}
}

func (e *Sequential) Run(
	ctx context.Context,
	g *graph.Graph,
	store checkpoint.Store,
	threadID string,
	input map[string]any,
) (graph.State, error) {
	order, err := topoOrder(g)
	if err != nil {
		return nil, err
	}

	state := make(graph.State, len(g.Schema))

	var (
		version int64
		step    int
	)

	snapshot, err := store.LatestSnapshot(ctx, threadID)
	if err != nil && !checkpoint.IsSnapshotNotFound(err) {
		return nil, fmt.Errorf("failed to load latest snapshot for thread %s: %w", threadID, err)
	}

	if snapshot != nil {
		state = graph.State(snapshot.Fields).Clone()
		version = snapshot.Version
		step = snapshot.Step

		// A step covering the whole order means the previous pass finished:
		// this call is a new invocation of the thread, not a crash resume.
		// The loaded fields carry forward so agent sessions survive, and the
		// version keeps counting from where the last pass left off.
		if step >= len(order) {
			step = 0

			e.logger.InfoContext(ctx, "Starting new pass over completed thread",
				"thread_id", threadID, "version", version)
		} else {
			e.logger.InfoContext(ctx, "Resuming interrupted thread from snapshot",
				"thread_id", threadID, "step", step, "version", version)
		}
	}

	for key, value := range input {
		state[key] = value
	}

	ctx = graph.WithExecutionInfo(ctx, graph.ExecutionInfo{Workflow: g.Name, ThreadID: threadID})

	for i, nodeName := range order {
		if i < step {
			continue
		}

		err = ctx.Err()
		if err != nil {
			return nil, fmt.Errorf("execution canceled before node %q: %w", nodeName, err)
		}

		node := g.Node(nodeName)

		e.logger.DebugContext(ctx, "Executing node",
			"thread_id", threadID, "node", nodeName, "step", i+1)

		// Nodes get a scratch copy: a body that fails after partial writes
		// leaves the committed state untouched.
		updates, err := node.Run(ctx, state.Clone())
		if err != nil {
			return nil, &NodeError{Node: nodeName, Err: err}
		}

		for key, value := range updates {
			state[key] = value
		}

		version++

		snap := &models.ExecutionSnapshot{
			ThreadID:  threadID,
			Step:      i + 1,
			Version:   version,
			Fields:    state.Clone(),
			CreatedAt: time.Now().UTC(),
		}

		err = store.PutSnapshot(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("failed to commit step %d for thread %s: %w", i+1, threadID, err)
		}
	}

	return state, nil
}

// topoOrder returns a stable topological order over the graph's nodes,
// breaking ties by node declaration order. The start/end sentinels carry no
// body and are excluded.
func topoOrder(g *graph.Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	for _, node := range g.Nodes {
		indegree[node.Name] = 0
	}

	for _, edge := range g.Edges {
		if edge.From == models.NodeStart || edge.To == models.NodeEnd {
			continue
		}

		if _, ok := indegree[edge.To]; ok {
			indegree[edge.To]++
		}
	}

	order := make([]string, 0, len(g.Nodes))
	done := make(map[string]bool, len(g.Nodes))

	for len(order) < len(g.Nodes) {
		progressed := false

		for _, node := range g.Nodes {
			if done[node.Name] || indegree[node.Name] > 0 {
				continue
			}

			done[node.Name] = true
			order = append(order, node.Name)
			progressed = true

			for _, succ := range g.Successors(node.Name) {
				if _, ok := indegree[succ]; ok && !done[succ] {
					indegree[succ]--
				}
			}
		}

		if !progressed {
			return nil, fmt.Errorf("%w: graph contains a cycle", models.ErrConfiguration)
		}
	}

	return order, nil
}
