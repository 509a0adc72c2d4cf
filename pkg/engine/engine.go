// Package engine defines the graph-execution contract consumed by the
// runtime, plus a sequential reference implementation. The runtime treats the
// engine as a collaborator: anything satisfying Engine can drive an augmented
// graph against a snapshot store.
package engine

import (
	"context"
	"fmt"

	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/graph"
)

// Engine drives one execution of a graph for one thread. Implementations
// load the thread's latest snapshot, execute the remaining nodes and persist
// one snapshot per completed step. The final state is returned on success;
// on failure the error identifies the failing node and prior snapshots remain
// valid and resumable.
type Engine interface {
	Run(ctx context.Context, g *graph.Graph, store checkpoint.Store, threadID string, input map[string]any) (graph.State, error)
}

// NodeError identifies which node an execution failed at.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
