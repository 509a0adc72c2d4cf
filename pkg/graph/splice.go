package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/loomrun/loom/pkg/events"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
	"github.com/loomrun/loom/pkg/telemetry"
)

// Splicer injects agent nodes into a base graph. Splice is a pure transform:
// the base graph is immutable input and the result is a freshly built value,
// so hot-reloaded definitions never alias in-flight graphs.
type Splicer struct {
	logger  *slog.Logger
	emitter telemetry.Emitter
}

func NewSplicer(logger *slog.Logger, emitter telemetry.Emitter) *Splicer {
	return &Splicer{
		logger:  logger,
		emitter: emitter,
	}
}

// Splice produces the augmented graph: one synthesized node per agent spec,
// inserted at its declared insertion point, with the state schema extended by
// the role's three namespaced fields. Two specs targeting the same insertion
// point and polarity chain in declaration order; the first declared runs
// first. Duplicate roles, dangling insertion points and schema collisions are
// load-time configuration errors, detected before any execution attempt.
func (s *Splicer) Splice(
	base *Graph,
	specs []*models.AgentSpec,
	adapters map[string]providers.Adapter,
) (*Graph, error) {
	seen := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		if _, dup := seen[spec.RoleName]; dup {
			return nil, fmt.Errorf("%w: duplicate agent role %q", models.ErrConfiguration, spec.RoleName)
		}

		seen[spec.RoleName] = struct{}{}

		if base.Node(spec.InsertionPoint.Node) == nil {
			return nil, fmt.Errorf("%w: role %q references unknown insertion point %q",
				models.ErrConfiguration, spec.RoleName, spec.InsertionPoint.Node)
		}

		if _, ok := adapters[spec.RoleName]; !ok {
			return nil, fmt.Errorf("%w: no adapter resolved for role %q",
				models.ErrConfiguration, spec.RoleName)
		}
	}

	out := &Graph{
		Name:   base.Name,
		Nodes:  slices.Clone(base.Nodes),
		Edges:  slices.Clone(base.Edges),
		Schema: base.Schema.Clone(),
	}

	for _, spec := range specs {
		ledger := NewSessionLedger(spec.RoleName, spec.ProviderKind)

		fieldTypes := map[string]models.FieldType{
			ledger.OutputField():  models.FieldTypeString,
			ledger.SessionField(): models.FieldTypeString,
			ledger.CostField():    models.FieldTypeNumber,
		}

		for _, field := range ledger.Fields() {
			if _, exists := out.Schema[field]; exists {
				return nil, fmt.Errorf("%w: agent field %q collides with an existing state field",
					models.ErrConfiguration, field)
			}

			out.Schema[field] = fieldTypes[field]
		}
	}

	// Group by insertion point and polarity, preserving declaration order
	// both across groups and within each chain.
	type anchor struct {
		node     string
		position models.Position
	}

	groups := make(map[anchor][]*models.AgentSpec)

	var order []anchor

	for _, spec := range specs {
		key := anchor{node: spec.InsertionPoint.Node, position: spec.InsertionPoint.Position}
		if _, exists := groups[key]; !exists {
			order = append(order, key)
		}

		groups[key] = append(groups[key], spec)
	}

	for _, key := range order {
		chain := groups[key]

		chainNames := make([]string, 0, len(chain))

		for _, spec := range chain {
			node := s.agentNode(spec, adapters[spec.RoleName])
			out.Nodes = append(out.Nodes, node)
			chainNames = append(chainNames, node.Name)
		}

		if key.position == models.PositionAfter {
			out.Edges = spliceAfter(out.Edges, key.node, chainNames)
		} else {
			out.Edges = spliceBefore(out.Edges, key.node, chainNames)
		}

		s.logger.Debug("Spliced agent chain",
			"anchor", key.node, "position", key.position, "roles", strings.Join(chainNames, ","))
	}

	err := out.Validate()
	if err != nil {
		return nil, err
	}

	return out, nil
}

// spliceAfter rewrites every edge leaving the anchor to leave the chain tail
// instead, then links anchor -> head and the chain interior.
func spliceAfter(edges []Edge, anchorNode string, chain []string) []Edge {
	head, tail := chain[0], chain[len(chain)-1]

	out := make([]Edge, 0, len(edges)+len(chain))

	for _, edge := range edges {
		if edge.From == anchorNode {
			out = append(out, Edge{From: tail, To: edge.To})

			continue
		}

		out = append(out, edge)
	}

	out = append(out, Edge{From: anchorNode, To: head})
	out = append(out, chainEdges(chain)...)

	return out
}

// spliceBefore rewrites every edge entering the anchor to enter the chain
// head instead, then links the chain interior and tail -> anchor.
func spliceBefore(edges []Edge, anchorNode string, chain []string) []Edge {
	head, tail := chain[0], chain[len(chain)-1]

	out := make([]Edge, 0, len(edges)+len(chain))

	for _, edge := range edges {
		if edge.To == anchorNode {
			out = append(out, Edge{From: edge.From, To: head})

			continue
		}

		out = append(out, edge)
	}

	out = append(out, chainEdges(chain)...)
	out = append(out, Edge{From: tail, To: anchorNode})

	return out
}

func chainEdges(chain []string) []Edge {
	out := make([]Edge, 0, len(chain)-1)

	for i := 0; i+1 < len(chain); i++ {
		out = append(out, Edge{From: chain[i], To: chain[i+1]})
	}

	return out
}

// agentNode synthesizes the executable node for one spec. The node is the
// only writer of the role's three namespaced fields; ownership is established
// here by construction and verified by Graph.Validate.
func (s *Splicer) agentNode(spec *models.AgentSpec, adapter providers.Adapter) *Node {
	ledger := NewSessionLedger(spec.RoleName, spec.ProviderKind)

	return &Node{
		Name:   spec.RoleName,
		Writes: ledger.Fields(),
		Run: func(ctx context.Context, state State) (Updates, error) {
			info := ExecutionInfoFrom(ctx)

			task, err := renderTask(spec, state)
			if err != nil {
				return nil, fmt.Errorf("failed to render task for role %q: %w", spec.RoleName, err)
			}

			session := ledger.Read(state)
			started := time.Now()

			s.emitter.Emit(ctx, spec.RoleName, events.AgentInvocationStarted{
				BaseEvent:    events.NewBaseEvent(events.AgentInvocationStartedEvent, info.Workflow, info.ThreadID),
				Role:         spec.RoleName,
				ProviderKind: string(spec.ProviderKind),
				Resumed:      session != nil,
			})

			result, err := ledger.Invoke(ctx, adapter, providers.InvokeRequest{
				Task:      task,
				Session:   session,
				Isolation: spec.IsolationTarget,
				Timeout:   spec.EffectiveTimeout(),
			}, s.emitter)
			if err != nil {
				s.emitter.Emit(ctx, spec.RoleName, events.AgentInvocationFailed{
					BaseEvent:    events.NewBaseEvent(events.AgentInvocationFailedEvent, info.Workflow, info.ThreadID),
					Role:         spec.RoleName,
					ProviderKind: string(spec.ProviderKind),
					FailureKind:  string(providers.KindOf(err)),
					Error:        err.Error(),
					Duration:     time.Since(started),
				})

				return nil, err
			}

			s.emitter.Emit(ctx, spec.RoleName, events.AgentInvocationFinished{
				BaseEvent:    events.NewBaseEvent(events.AgentInvocationFinishedEvent, info.Workflow, info.ThreadID),
				Role:         spec.RoleName,
				ProviderKind: string(spec.ProviderKind),
				SessionID:    result.Session.ID,
				CostEstimate: result.CostEstimate,
				Duration:     time.Since(started),
			})

			updates := make(Updates, 3)
			ledger.Apply(updates, result)

			return updates, nil
		},
	}
}

func renderTask(spec *models.AgentSpec, state State) (string, error) {
	if spec.Task == "" {
		input, ok := state["input"]
		if !ok {
			return "", nil
		}

		return fmt.Sprint(input), nil
	}

	tmpl, err := template.New(spec.RoleName).Parse(spec.Task)
	if err != nil {
		return "", fmt.Errorf("invalid task template: %w", err)
	}

	var builder strings.Builder

	err = tmpl.Execute(&builder, map[string]any(state))
	if err != nil {
		return "", fmt.Errorf("task template execution failed: %w", err)
	}

	return builder.String(), nil
}
