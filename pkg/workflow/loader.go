// Package workflow loads declarative workflow definitions from YAML and
// compiles them into executable graphs.
package workflow

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/xeipuuv/gojsonschema"

	"github.com/loomrun/loom/pkg/models"
)

var validate = validator.New()

// documentAgent mirrors the YAML agent shape. Timeout is a string here so
// that "2m" style durations survive the schema check before parsing.
type documentAgent struct {
	Role            string `yaml:"role"`
	Provider        string `yaml:"provider"`
	IsolationTarget string `yaml:"isolation_target"`
	Insert          struct {
		Node     string `yaml:"node"`
		Position string `yaml:"position"`
	} `yaml:"insert"`
	Timeout string `yaml:"timeout"`
	Task    string `yaml:"task"`
}

type document struct {
	Name    string                   `yaml:"name"`
	Version string                   `yaml:"version"`
	State   map[string]string        `yaml:"state"`
	Nodes   []*models.NodeDefinition `yaml:"nodes"`
	Edges   []*models.EdgeDefinition `yaml:"edges"`
	Agents  []documentAgent          `yaml:"agents"`
}

// Load reads and parses a workflow definition from a YAML file.
func Load(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read workflow file %s: %w", models.ErrConfiguration, path, err)
	}

	return Parse(data)
}

// Parse decodes a workflow definition from YAML. The raw document is checked
// against the definition schema first, so shape errors surface with JSON
// schema messages instead of decode panics; semantic validation follows on
// the decoded value.
func Parse(data []byte) (*models.WorkflowDefinition, error) {
	var raw map[string]any

	err := yaml.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid workflow YAML: %w", models.ErrConfiguration, err)
	}

	err = validateDocument(raw)
	if err != nil {
		return nil, err
	}

	var doc document

	err = yaml.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode workflow: %w", models.ErrConfiguration, err)
	}

	def, err := doc.toDefinition()
	if err != nil {
		return nil, err
	}

	err = validate.Struct(def)
	if err != nil {
		return nil, fmt.Errorf("%w: workflow validation failed: %w", models.ErrConfiguration, err)
	}

	return def, nil
}

func validateDocument(raw map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(definitionSchema())
	documentLoader := gojsonschema.NewGoLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: workflow schema validation failed: %w", models.ErrConfiguration, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: invalid workflow document: %s",
			models.ErrConfiguration, strings.Join(messages, "; "))
	}

	return nil
}

func (d *document) toDefinition() (*models.WorkflowDefinition, error) {
	schema := make(models.StateSchema, len(d.State))
	for field, ft := range d.State {
		schema[field] = models.FieldType(ft)
	}

	agents := make([]*models.AgentSpec, 0, len(d.Agents))

	for _, agent := range d.Agents {
		var timeout time.Duration

		if agent.Timeout != "" {
			parsed, err := time.ParseDuration(agent.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%w: role %q has invalid timeout %q: %w",
					models.ErrConfiguration, agent.Role, agent.Timeout, err)
			}

			timeout = parsed
		}

		agents = append(agents, &models.AgentSpec{
			RoleName:        agent.Role,
			ProviderKind:    models.ProviderKind(agent.Provider),
			IsolationTarget: agent.IsolationTarget,
			InsertionPoint: models.InsertionPoint{
				Node:     agent.Insert.Node,
				Position: models.Position(agent.Insert.Position),
			},
			Timeout: timeout,
			Task:    agent.Task,
		})
	}

	return &models.WorkflowDefinition{
		Name:        d.Name,
		Version:     d.Version,
		StateSchema: schema,
		Nodes:       d.Nodes,
		Edges:       d.Edges,
		Agents:      agents,
	}, nil
}
