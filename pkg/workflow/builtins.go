package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"github.com/loomrun/loom/pkg/graph"
	"github.com/loomrun/loom/pkg/models"
)

// Builtin node kinds available to workflow definitions.
const (
	KindSet         = "set"
	KindTemplate    = "template"
	KindLog         = "log"
	KindPassthrough = "passthrough"
)

// buildNodeFunc compiles one declarative node into its executable body and
// the state fields it writes. Config problems are load-time configuration
// errors; nothing is deferred to execution.
func buildNodeFunc(def *models.NodeDefinition, logger *slog.Logger) (graph.NodeFunc, []string, error) {
	switch def.Kind {
	case KindSet:
		return buildSetNode(def)
	case KindTemplate:
		return buildTemplateNode(def)
	case KindLog:
		return buildLogNode(def, logger)
	case KindPassthrough:
		run := func(_ context.Context, _ graph.State) (graph.Updates, error) {
			return nil, nil
		}

		return run, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: node %q has unknown kind %q",
			models.ErrConfiguration, def.Name, def.Kind)
	}
}

// buildSetNode writes literal values into state. Config:
//
//	values: {field: value, ...}
func buildSetNode(def *models.NodeDefinition) (graph.NodeFunc, []string, error) {
	raw, ok := def.Config["values"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: set node %q requires a values map",
			models.ErrConfiguration, def.Name)
	}

	values, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: set node %q values must be a map",
			models.ErrConfiguration, def.Name)
	}

	writes := make([]string, 0, len(values))
	for field := range values {
		writes = append(writes, field)
	}

	sort.Strings(writes)

	run := func(_ context.Context, _ graph.State) (graph.Updates, error) {
		updates := make(graph.Updates, len(values))
		for field, value := range values {
			updates[field] = value
		}

		return updates, nil
	}

	return run, writes, nil
}

// buildTemplateNode renders a text/template against the current state and
// writes the result into one field. Config:
//
//	field: output_field
//	template: "{{ .input }} ..."
func buildTemplateNode(def *models.NodeDefinition) (graph.NodeFunc, []string, error) {
	field, ok := def.Config["field"].(string)
	if !ok || field == "" {
		return nil, nil, fmt.Errorf("%w: template node %q requires a field name",
			models.ErrConfiguration, def.Name)
	}

	text, ok := def.Config["template"].(string)
	if !ok {
		return nil, nil, fmt.Errorf("%w: template node %q requires a template string",
			models.ErrConfiguration, def.Name)
	}

	tmpl, err := template.New(def.Name).Parse(text)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: template node %q is invalid: %w",
			models.ErrConfiguration, def.Name, err)
	}

	run := func(_ context.Context, state graph.State) (graph.Updates, error) {
		var builder strings.Builder

		err := tmpl.Execute(&builder, map[string]any(state))
		if err != nil {
			return nil, fmt.Errorf("template execution failed: %w", err)
		}

		return graph.Updates{field: builder.String()}, nil
	}

	return run, []string{field}, nil
}

// buildLogNode logs a rendered message and writes nothing. Config:
//
//	message: "processing {{ .input }}"
func buildLogNode(def *models.NodeDefinition, logger *slog.Logger) (graph.NodeFunc, []string, error) {
	text, ok := def.Config["message"].(string)
	if !ok || text == "" {
		return nil, nil, fmt.Errorf("%w: log node %q requires a message",
			models.ErrConfiguration, def.Name)
	}

	tmpl, err := template.New(def.Name).Parse(text)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: log node %q has an invalid message template: %w",
			models.ErrConfiguration, def.Name, err)
	}

	run := func(ctx context.Context, state graph.State) (graph.Updates, error) {
		var builder strings.Builder

		err := tmpl.Execute(&builder, map[string]any(state))
		if err != nil {
			return nil, fmt.Errorf("log message rendering failed: %w", err)
		}

		logger.InfoContext(ctx, builder.String(), "node", def.Name)

		return nil, nil
	}

	return run, nil, nil
}
