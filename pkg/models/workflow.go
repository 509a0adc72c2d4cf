// Package models defines the core domain models for the workflow runtime.
package models

// FieldType is the semantic type of one state field.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	FieldTypeList   FieldType = "list"
	FieldTypeMap    FieldType = "map"
)

// StateSchema maps state field names to their semantic types.
type StateSchema map[string]FieldType

// Clone returns an independent copy of the schema.
func (s StateSchema) Clone() StateSchema {
	out := make(StateSchema, len(s))
	for name, ft := range s {
		out[name] = ft
	}

	return out
}

// Sentinel node names marking the boundaries of every graph. They carry no
// body; edges from "start" and to "end" define entry and exit points.
const (
	NodeStart = "start"
	NodeEnd   = "end"
)

// WorkflowDefinition is one loaded workflow: a state schema, a base graph and
// the agent specs to splice into it. Definitions are immutable after load; a
// hot reload replaces the whole value.
type WorkflowDefinition struct {
	Name        string            `json:"name"    yaml:"name"    validate:"required,min=1"`
	Version     string            `json:"version" yaml:"version"`
	StateSchema StateSchema       `json:"state"   yaml:"state"   validate:"required"`
	Nodes       []*NodeDefinition `json:"nodes"   yaml:"nodes"   validate:"required,min=1,dive"`
	Edges       []*EdgeDefinition `json:"edges"   yaml:"edges"   validate:"required,min=1,dive"`
	Agents      []*AgentSpec      `json:"agents"  yaml:"agents"  validate:"dive"`
}

// NodeDefinition is one declarative node of the base graph.
type NodeDefinition struct {
	Name   string         `json:"name"             yaml:"name"   validate:"required"`
	Kind   string         `json:"kind"             yaml:"kind"   validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// EdgeDefinition connects two nodes by name.
type EdgeDefinition struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to"   yaml:"to"   validate:"required"`
}
