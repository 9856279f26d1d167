// Package tools defines the closed tool set offered to the model and the
// dispatcher that executes tool calls against a session.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool names form a closed set; the dispatcher is total over it.
const (
	ToolClassifyDiagram  = "classify_diagram"
	ToolRenderTikZ       = "render_tikz"
	ToolRenderMatplotlib = "render_matplotlib"
	ToolRenderGraphviz   = "render_graphviz"
	ToolValidateVisual   = "validate_visual"
	ToolSaveDiagram      = "save_diagram"
)

// Definition describes one tool as offered to the model.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

var definitions = []Definition{
	{
		Name: ToolClassifyDiagram,
		Description: "Classify the diagram type and receive a backend recommendation. " +
			"Call this first to decide between TikZ, Matplotlib, and Graphviz.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"description": {
					"type": "string",
					"description": "The diagram description to classify."
				}
			},
			"required": ["description"]
		}`),
	},
	{
		Name: ToolRenderTikZ,
		Description: "Compile and render a TikZ diagram. " +
			"You may supply just the tikzpicture block or a full LaTeX document. " +
			"The backend adds \\documentclass{standalone} and common packages automatically. " +
			"Returns the rendered PNG image.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"source": {
					"type": "string",
					"description": "TikZ / LaTeX source code."
				}
			},
			"required": ["source"]
		}`),
	},
	{
		Name: ToolRenderMatplotlib,
		Description: "Execute a Python / Matplotlib script and return the rendered diagram as a PNG. " +
			"Do NOT call plt.show(); the backend saves the figure automatically. " +
			"The script runs in a subprocess with the Agg (non-interactive) backend.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"source": {
					"type": "string",
					"description": "Python source code that produces a matplotlib figure."
				}
			},
			"required": ["source"]
		}`),
	},
	{
		Name: ToolRenderGraphviz,
		Description: "Render a Graphviz DOT language diagram. " +
			"Provide complete DOT source including the graph/digraph wrapper. " +
			"Returns the rendered PNG image.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"source": {
					"type": "string",
					"description": "DOT language source code."
				},
				"engine": {
					"type": "string",
					"description": "Layout engine. dot=hierarchical (default), neato=spring, circo=circular, fdp=force-directed, sfdp=large-graph force-directed, twopi=radial.",
					"enum": ["dot", "neato", "circo", "fdp", "sfdp", "twopi"]
				}
			},
			"required": ["source"]
		}`),
	},
	{
		Name: ToolValidateVisual,
		Description: "Ask a second model instance to score the last rendered diagram " +
			"against the original description. Returns a JSON object with " +
			"score (0-10), issues[], and suggestions[]. " +
			"A score >= 7 is considered passing.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"description": {
					"type": "string",
					"description": "The original diagram description (used as reference)."
				}
			},
			"required": ["description"]
		}`),
	},
	{
		Name:        ToolSaveDiagram,
		Description: "Save the most recently rendered diagram to the output/ directory.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"filename": {
					"type": "string",
					"description": "Output filename, e.g. 'pythagorean_theorem.png'."
				}
			},
			"required": ["filename"]
		}`),
	},
}

// Definitions returns the closed tool set in offer order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Registry validates tool inputs against each tool's compiled JSON schema.
type Registry struct {
	schemas map[string]*jsonschema.Schema
}

// NewRegistry compiles the input schemas for every tool definition.
func NewRegistry() (*Registry, error) {
	schemas := make(map[string]*jsonschema.Schema, len(definitions))
	for _, def := range definitions {
		schema, err := jsonschema.CompileString(def.Name+".json", string(def.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", def.Name, err)
		}
		schemas[def.Name] = schema
	}
	return &Registry{schemas: schemas}, nil
}

// ErrUnknownTool reports a tool name outside the closed set.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// ValidateInput checks the raw input against the tool's schema.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	schema, ok := r.schemas[name]
	if !ok {
		return &ErrUnknownTool{Name: name}
	}
	var value any
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("tool input rejected: %w", err)
	}
	return nil
}
