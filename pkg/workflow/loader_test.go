package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/graph"
	"github.com/loomrun/loom/pkg/log"
	"github.com/loomrun/loom/pkg/models"
)

const validWorkflow = `
name: review-pipeline
version: "1"
state:
  input: string
  draft: string
  done: bool
nodes:
  - name: prepare
    kind: template
    config:
      field: draft
      template: "draft of {{ .input }}"
  - name: finish
    kind: set
    config:
      values:
        done: true
edges:
  - from: start
    to: prepare
  - from: prepare
    to: finish
  - from: finish
    to: end
agents:
  - role: reviewer
    provider: subprocess-cli
    isolation_target: /tmp/reviewer
    insert:
      node: prepare
      position: after
    timeout: 2m
    task: "review: {{ .draft }}"
`

func TestParseValidWorkflow(t *testing.T) {
	def, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "review-pipeline", def.Name)
	assert.Equal(t, models.FieldTypeString, def.StateSchema["input"])
	assert.Len(t, def.Nodes, 2)
	assert.Len(t, def.Edges, 3)

	require.Len(t, def.Agents, 1)
	agent := def.Agents[0]
	assert.Equal(t, "reviewer", agent.RoleName)
	assert.Equal(t, models.ProviderSubprocessCLI, agent.ProviderKind)
	assert.Equal(t, "/tmp/reviewer", agent.IsolationTarget)
	assert.Equal(t, "prepare", agent.InsertionPoint.Node)
	assert.Equal(t, models.PositionAfter, agent.InsertionPoint.Position)
	assert.Equal(t, 2*time.Minute, agent.Timeout)
}

func TestParseRejectsMissingName(t *testing.T) {
	doc := `
state:
  input: string
nodes:
  - name: only
    kind: passthrough
edges:
  - from: start
    to: only
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestParseRejectsUnknownFieldType(t *testing.T) {
	doc := `
name: bad-types
state:
  input: integer
nodes:
  - name: only
    kind: passthrough
edges:
  - from: start
    to: only
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestParseRejectsUnknownProviderKind(t *testing.T) {
	doc := `
name: bad-provider
state:
  input: string
nodes:
  - name: only
    kind: passthrough
edges:
  - from: start
    to: only
agents:
  - role: reviewer
    provider: telepathy
    insert:
      node: only
      position: after
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestParseRejectsInvalidTimeout(t *testing.T) {
	doc := `
name: bad-timeout
state:
  input: string
nodes:
  - name: only
    kind: passthrough
edges:
  - from: start
    to: only
agents:
  - role: reviewer
    provider: subprocess-cli
    insert:
      node: only
      position: after
    timeout: soon
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("name: [unclosed"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validWorkflow), 0o600))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "review-pipeline", def.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestBuildGraphCompilesAndExecutes(t *testing.T) {
	def, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)

	g, err := BuildGraph(def, log.WithModule("test"))
	require.NoError(t, err)

	prepare := g.Node("prepare")
	require.NotNil(t, prepare)

	updates, err := prepare.Run(context.Background(), graph.State{"input": "a poem"})
	require.NoError(t, err)
	assert.Equal(t, "draft of a poem", updates["draft"])

	finish := g.Node("finish")
	require.NotNil(t, finish)

	updates, err = finish.Run(context.Background(), graph.State{})
	require.NoError(t, err)
	assert.Equal(t, true, updates["done"])
}

func TestBuildGraphRejectsUnknownKind(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:        "bad-kind",
		StateSchema: models.StateSchema{"input": models.FieldTypeString},
		Nodes: []*models.NodeDefinition{
			{Name: "mystery", Kind: "quantum"},
		},
		Edges: []*models.EdgeDefinition{
			{From: models.NodeStart, To: "mystery"},
		},
	}

	_, err := BuildGraph(def, log.WithModule("test"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestBuildGraphRejectsDanglingEdge(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:        "bad-edge",
		StateSchema: models.StateSchema{"input": models.FieldTypeString},
		Nodes: []*models.NodeDefinition{
			{Name: "only", Kind: KindPassthrough},
		},
		Edges: []*models.EdgeDefinition{
			{From: models.NodeStart, To: "ghost"},
		},
	}

	_, err := BuildGraph(def, log.WithModule("test"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestBuildGraphRejectsMissingSetValues(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:        "bad-set",
		StateSchema: models.StateSchema{"input": models.FieldTypeString},
		Nodes: []*models.NodeDefinition{
			{Name: "setter", Kind: KindSet},
		},
		Edges: []*models.EdgeDefinition{
			{From: models.NodeStart, To: "setter"},
		},
	}

	_, err := BuildGraph(def, log.WithModule("test"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
