// Package graph holds the executable graph value, the splicer that injects
// agent nodes into a base graph, and the session ledger policy for agent state
// fields. Graphs are immutable inputs: the splicer rebuilds rather than
// mutates, so a reloaded definition never aliases an in-flight graph.
package graph

import (
	"context"
	"fmt"
	"maps"

	"github.com/loomrun/loom/pkg/models"
)

// State is the full current value of every state field during one step.
type State map[string]any

// Clone copies the top-level map so node scratch writes never leak into the
// loaded snapshot.
func (s State) Clone() State {
	out := make(State, len(s))
	maps.Copy(out, s)

	return out
}

// Updates are the field writes produced by one node. The engine applies them
// atomically with the step's snapshot; a node that fails produces none.
type Updates map[string]any

// NodeFunc is the body of one node.
type NodeFunc func(ctx context.Context, state State) (Updates, error)

// Node is one executable node. Writes lists the state fields the node owns;
// the single-writer invariant over these fields is enforced at construction
// time by Validate, not checked at runtime.
type Node struct {
	Name   string
	Run    NodeFunc
	Writes []string
}

// Edge connects two nodes by name. models.NodeStart and models.NodeEnd are
// valid endpoints marking graph entry and exit.
type Edge struct {
	From string
	To   string
}

// Graph is an executable graph: ordered nodes, edges and the state schema.
type Graph struct {
	Name   string
	Nodes  []*Node
	Edges  []Edge
	Schema models.StateSchema
}

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node {
	for _, node := range g.Nodes {
		if node.Name == name {
			return node
		}
	}

	return nil
}

// Successors returns the targets of every edge leaving the named node, in
// edge order.
func (g *Graph) Successors(name string) []string {
	var out []string

	for _, edge := range g.Edges {
		if edge.From == name {
			out = append(out, edge.To)
		}
	}

	return out
}

// Predecessors returns the sources of every edge entering the named node, in
// edge order.
func (g *Graph) Predecessors(name string) []string {
	var out []string

	for _, edge := range g.Edges {
		if edge.To == name {
			out = append(out, edge.From)
		}
	}

	return out
}

// Validate checks structural consistency: unique node names, edges that
// reference known nodes or the start/end sentinels, and a single writer per
// state field.
func (g *Graph) Validate() error {
	names := make(map[string]struct{}, len(g.Nodes))

	for _, node := range g.Nodes {
		if node.Name == models.NodeStart || node.Name == models.NodeEnd {
			return fmt.Errorf("%w: node name %q is reserved", models.ErrConfiguration, node.Name)
		}

		if _, exists := names[node.Name]; exists {
			return fmt.Errorf("%w: duplicate node name %q", models.ErrConfiguration, node.Name)
		}

		names[node.Name] = struct{}{}
	}

	known := func(name string) bool {
		if name == models.NodeStart || name == models.NodeEnd {
			return true
		}

		_, ok := names[name]

		return ok
	}

	for _, edge := range g.Edges {
		if !known(edge.From) {
			return fmt.Errorf("%w: edge references unknown node %q", models.ErrConfiguration, edge.From)
		}

		if !known(edge.To) {
			return fmt.Errorf("%w: edge references unknown node %q", models.ErrConfiguration, edge.To)
		}
	}

	writers := make(map[string]string)

	for _, node := range g.Nodes {
		for _, field := range node.Writes {
			if owner, exists := writers[field]; exists {
				return fmt.Errorf("%w: field %q written by both %q and %q",
					models.ErrConfiguration, field, owner, node.Name)
			}

			writers[field] = node.Name
		}
	}

	return nil
}
