package schema

import "encoding/json"

// NodeType enumerates the node variants of a workflow graph.
type NodeType string

const (
	NodeTypeGroup        NodeType = "group"
	NodeTypeLLM          NodeType = "llm"
	NodeTypeTransform    NodeType = "transform"
	NodeTypeCallWorkflow NodeType = "call_workflow"
	NodeTypeStream       NodeType = "stream"
	NodeTypeGenerator    NodeType = "generator"
)

// WorkflowDefinition is the JSON-serializable workflow format: a node tree
// rooted at a group, plus named typedefs the message types may reference.
type WorkflowDefinition struct {
	Root     *Node                   `json:"root"`
	Typedefs map[string]*MessageType `json:"typedefs,omitempty"`
}

// Node describes a single node in the workflow graph. It is a tagged
// variant: Type selects which of the remaining field sets apply.
type Node struct {
	Type       NodeType     `json:"type"`
	InputType  *MessageType `json:"input_type,omitempty"`
	OutputType *MessageType `json:"output_type,omitempty"`

	// Group fields. EntryPoint and ExitPoint are sentinel identifiers that
	// delimit traversal; they never name entries in Nodes.
	Label      string           `json:"label,omitempty"`
	Nodes      map[string]*Node `json:"nodes,omitempty"`
	Edges      []Edge           `json:"edges,omitempty"`
	EntryPoint string           `json:"entry_point,omitempty"`
	ExitPoint  string           `json:"exit_point,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`

	// LLM fields.
	MaxRetries          int        `json:"max_retries,omitempty"`
	SystemPrompt        string     `json:"system_prompt,omitempty"`
	AvailableTools      []ToolDecl `json:"available_tools,omitempty"`
	Reviewers           []string   `json:"reviewers,omitempty"`
	RequiresHumanReview bool       `json:"requires_human_review,omitempty"`

	// Transform fields.
	Fn *TransformExpr `json:"fn,omitempty"`

	// CallWorkflow fields.
	WorkflowRef      string         `json:"workflow_ref,omitempty"`
	InputMapping     *TransformExpr `json:"input_mapping,omitempty"`
	OutputMapping    *TransformExpr `json:"output_mapping,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// Edge connects two node ids within a group.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`

	// OutputField projects a single field from the producer's output before
	// handing it to the consumer; empty means the whole output is passed.
	OutputField string `json:"previous_node_message_output_field_name,omitempty"`

	// InputField, when set, wraps the projected value into a record under
	// this field name before it becomes the consumer's input.
	InputField string `json:"message_input_field_name,omitempty"`

	// Condition is an optional guard expression. When several edges leave
	// the same node, the first whose condition evaluates truthy is taken;
	// an absent condition always matches. CEL by default, expr-lang with
	// an "expr:" prefix.
	Condition string `json:"condition,omitempty"`

	Description string `json:"description,omitempty"`
}

// ToolDecl declares a tool available to an LLM node. The executable half is
// resolved at run time from the tool registry by Name; stored workflows
// carry only the declaration.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}
