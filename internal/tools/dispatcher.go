package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/diagramd/internal/backends"
	"github.com/haasonsaas/diagramd/internal/validators"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// Result is the dispatcher's verdict for one tool call. IsError is the
// explicit success flag; consumers never infer failure from result text.
type Result struct {
	Blocks     []models.ContentBlock
	IsError    bool
	RenderID   string
	Backend    string
	Validation *validators.Result
}

func textResult(text string, isError bool) Result {
	return Result{Blocks: []models.ContentBlock{models.TextBlock(text)}, IsError: isError}
}

// Dispatcher executes tool calls from the closed tool set against a session.
type Dispatcher struct {
	registry  *Registry
	renderer  *backends.Renderer
	visual    *validators.Visual
	outputDir string
}

// NewDispatcher wires the dispatcher's collaborators.
func NewDispatcher(registry *Registry, renderer *backends.Renderer, visual *validators.Visual, outputDir string) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		renderer:  renderer,
		visual:    visual,
		outputDir: outputDir,
	}
}

// Dispatch runs one tool call and returns its result. Unknown names and
// schema violations come back as error-shaped results, never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input json.RawMessage, session *models.Session) Result {
	if err := d.registry.ValidateInput(name, input); err != nil {
		var unknown *ErrUnknownTool
		if errors.As(err, &unknown) {
			return textResult(fmt.Sprintf("Unknown tool: %s", name), true)
		}
		return textResult(fmt.Sprintf("Invalid input for %s: %v", name, err), true)
	}

	switch name {
	case ToolClassifyDiagram:
		var in struct {
			Description string `json:"description"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return textResult(fmt.Sprintf("Invalid input for %s: %v", name, err), true)
		}
		return textResult(ClassifyDiagram(in.Description), false)

	case ToolRenderTikZ, ToolRenderMatplotlib, ToolRenderGraphviz:
		return d.render(ctx, name, input, session)

	case ToolValidateVisual:
		var in struct {
			Description string `json:"description"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return textResult(fmt.Sprintf("Invalid input for %s: %v", name, err), true)
		}
		return d.validate(ctx, in.Description, session)

	case ToolSaveDiagram:
		var in struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return textResult(fmt.Sprintf("Invalid input for %s: %v", name, err), true)
		}
		return d.save(in.Filename, session)
	}

	return textResult(fmt.Sprintf("Unknown tool: %s", name), true)
}

func (d *Dispatcher) render(ctx context.Context, name string, input json.RawMessage, session *models.Session) Result {
	var in struct {
		Source string `json:"source"`
		Engine string `json:"engine"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return textResult(fmt.Sprintf("Invalid input for %s: %v", name, err), true)
	}

	var res backends.RenderResult
	switch name {
	case ToolRenderTikZ:
		res = d.renderer.RenderTikZ(ctx, in.Source)
	case ToolRenderMatplotlib:
		res = d.renderer.RenderMatplotlib(ctx, in.Source)
	case ToolRenderGraphviz:
		res = d.renderer.RenderGraphviz(ctx, in.Source, in.Engine)
	}

	if !res.Success {
		stderr := res.Stderr
		if stderr == "" {
			stderr = "(none)"
		}
		out := textResult(fmt.Sprintf(
			"Render failed (%s).\nError: %s\nStderr:\n%s", res.Backend, res.Error, stderr,
		), true)
		out.Backend = res.Backend
		return out
	}

	renderID := session.StoreRender(res.ImageBytes)
	b64 := base64.StdEncoding.EncodeToString(res.ImageBytes)
	return Result{
		Blocks: []models.ContentBlock{
			models.ImageBlock("image/png", b64),
			models.TextBlock(fmt.Sprintf(
				"Rendered successfully using %s. Examine the image above carefully.", res.Backend,
			)),
		},
		RenderID: renderID,
		Backend:  res.Backend,
	}
}

func (d *Dispatcher) validate(ctx context.Context, description string, session *models.Session) Result {
	if session.CurrentRenderID == "" {
		return textResult("No rendered image available. Render a diagram first.", false)
	}

	vr, err := d.visual.Validate(ctx, session.CurrentRender(), description)
	if err != nil {
		return textResult(fmt.Sprintf("Visual validation failed: %v", err), true)
	}

	payload := map[string]any{
		"score":       vr.Score,
		"passed":      vr.Passed,
		"issues":      vr.Issues,
		"suggestions": vr.Suggestions,
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return textResult(fmt.Sprintf("Visual validation failed: %v", err), true)
	}
	out := textResult(string(raw), false)
	out.Validation = vr
	return out
}

var unsafeFilenameChars = regexp.MustCompile(`[^\w\-_. ]`)

func (d *Dispatcher) save(filename string, session *models.Session) Result {
	if session.CurrentRenderID == "" {
		return textResult("No rendered image available to save.", false)
	}

	safe := unsafeFilenameChars.ReplaceAllString(filename, "_")
	lowered := strings.ToLower(safe)
	if !strings.HasSuffix(lowered, ".png") && !strings.HasSuffix(lowered, ".svg") && !strings.HasSuffix(lowered, ".pdf") {
		safe += ".png"
	}

	if err := os.MkdirAll(d.outputDir, 0o755); err != nil {
		return textResult(fmt.Sprintf("Failed to save diagram: %v", err), true)
	}
	outPath := filepath.Join(d.outputDir, safe)
	if err := os.WriteFile(outPath, session.CurrentRender(), 0o644); err != nil {
		return textResult(fmt.Sprintf("Failed to save diagram: %v", err), true)
	}
	return textResult(fmt.Sprintf("Saved to %s", outPath), false)
}
