package workflow

import (
	"log/slog"

	"github.com/loomrun/loom/pkg/graph"
	"github.com/loomrun/loom/pkg/models"
)

// BuildGraph compiles a definition's declarative nodes and edges into an
// executable base graph. Agent specs are not compiled here; the splicer adds
// them on top of the returned graph.
func BuildGraph(def *models.WorkflowDefinition, logger *slog.Logger) (*graph.Graph, error) {
	g := &graph.Graph{
		Name:   def.Name,
		Nodes:  make([]*graph.Node, 0, len(def.Nodes)),
		Edges:  make([]graph.Edge, 0, len(def.Edges)),
		Schema: def.StateSchema.Clone(),
	}

	for _, nodeDef := range def.Nodes {
		run, writes, err := buildNodeFunc(nodeDef, logger)
		if err != nil {
			return nil, err
		}

		g.Nodes = append(g.Nodes, &graph.Node{
			Name:   nodeDef.Name,
			Run:    run,
			Writes: writes,
		})
	}

	for _, edgeDef := range def.Edges {
		g.Edges = append(g.Edges, graph.Edge{From: edgeDef.From, To: edgeDef.To})
	}

	err := g.Validate()
	if err != nil {
		return nil, err
	}

	return g, nil
}
