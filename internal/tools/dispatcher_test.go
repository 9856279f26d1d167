package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/diagramd/internal/agent/providers"
	"github.com/haasonsaas/diagramd/internal/backends"
	"github.com/haasonsaas/diagramd/internal/validators"
	"github.com/haasonsaas/diagramd/pkg/models"
)

type fakeCompleter struct {
	response string
	err      error
}

func (f *fakeCompleter) Complete(context.Context, *providers.Request) (string, error) {
	return f.response, f.err
}

func newTestDispatcher(t *testing.T, completer validators.Completer) *Dispatcher {
	t.Helper()
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	renderer := backends.New(backends.Config{
		PdflatexPath:  filepath.Join(t.TempDir(), "missing", "pdflatex"),
		DotPath:       filepath.Join(t.TempDir(), "missing", "dot"),
		PythonPath:    filepath.Join(t.TempDir(), "missing", "python3"),
		RenderTimeout: 5 * time.Second,
	})
	if completer == nil {
		completer = &fakeCompleter{response: `{"score": 8, "issues": [], "suggestions": []}`}
	}
	visual := validators.NewVisual(completer, "test-model", 7.0)
	return NewDispatcher(registry, renderer, visual, filepath.Join(t.TempDir(), "output"))
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), "explode", json.RawMessage(`{}`), models.NewSession("s"))
	if !res.IsError {
		t.Fatalf("unknown tool not flagged as error")
	}
	if res.Blocks[0].Text != "Unknown tool: explode" {
		t.Fatalf("text = %q", res.Blocks[0].Text)
	}
}

func TestDispatchSchemaViolation(t *testing.T) {
	d := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), ToolRenderTikZ, json.RawMessage(`{"wrong": 1}`), models.NewSession("s"))
	if !res.IsError {
		t.Fatalf("missing required field accepted")
	}
	if !strings.Contains(res.Blocks[0].Text, "Invalid input for render_tikz") {
		t.Fatalf("text = %q", res.Blocks[0].Text)
	}
}

func TestDispatchClassify(t *testing.T) {
	d := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), ToolClassifyDiagram,
		json.RawMessage(`{"description": "a binary tree with nodes and edges"}`), models.NewSession("s"))
	if res.IsError {
		t.Fatalf("classify errored: %q", res.Blocks[0].Text)
	}
	if !strings.Contains(res.Blocks[0].Text, "Recommended backend: graphviz") {
		t.Fatalf("classification = %q", res.Blocks[0].Text)
	}
}

func TestDispatchRenderFailureShape(t *testing.T) {
	d := newTestDispatcher(t, nil)
	session := models.NewSession("s")
	res := d.Dispatch(context.Background(), ToolRenderGraphviz,
		json.RawMessage(`{"source": "digraph { a -> b }"}`), session)
	if !res.IsError {
		t.Fatalf("render with missing binary did not error")
	}
	text := res.Blocks[0].Text
	if !strings.HasPrefix(text, "Render failed (graphviz).\nError: ") {
		t.Fatalf("failure text = %q", text)
	}
	if !strings.Contains(text, "Stderr:\n") {
		t.Fatalf("failure text missing stderr section: %q", text)
	}
	if res.Backend != "graphviz" {
		t.Fatalf("backend = %q", res.Backend)
	}
	if session.CurrentRenderID != "" {
		t.Fatalf("failed render stored on session")
	}
}

func TestDispatchValidateWithoutRender(t *testing.T) {
	d := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), ToolValidateVisual,
		json.RawMessage(`{"description": "a tree"}`), models.NewSession("s"))
	if res.IsError {
		t.Fatalf("no-render validate flagged as error")
	}
	if res.Blocks[0].Text != "No rendered image available. Render a diagram first." {
		t.Fatalf("text = %q", res.Blocks[0].Text)
	}
}

func TestDispatchValidateWithRender(t *testing.T) {
	d := newTestDispatcher(t, &fakeCompleter{response: `{"score": 9, "issues": [], "suggestions": []}`})
	session := models.NewSession("s")
	session.StoreRender([]byte("png"))

	res := d.Dispatch(context.Background(), ToolValidateVisual,
		json.RawMessage(`{"description": "a tree"}`), session)
	if res.IsError {
		t.Fatalf("validate errored: %q", res.Blocks[0].Text)
	}
	if res.Validation == nil || !res.Validation.Passed || res.Validation.Score != 9 {
		t.Fatalf("validation = %+v", res.Validation)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(res.Blocks[0].Text), &payload); err != nil {
		t.Fatalf("result text is not JSON: %v", err)
	}
	if payload["passed"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDispatchSaveWithoutRender(t *testing.T) {
	d := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), ToolSaveDiagram,
		json.RawMessage(`{"filename": "out.png"}`), models.NewSession("s"))
	if res.IsError {
		t.Fatalf("no-render save flagged as error")
	}
	if res.Blocks[0].Text != "No rendered image available to save." {
		t.Fatalf("text = %q", res.Blocks[0].Text)
	}
}

func TestDispatchSaveSanitizesFilename(t *testing.T) {
	d := newTestDispatcher(t, nil)
	session := models.NewSession("s")
	session.StoreRender([]byte("png-bytes"))

	res := d.Dispatch(context.Background(), ToolSaveDiagram,
		json.RawMessage(`{"filename": "../../etc/passwd"}`), session)
	if res.IsError {
		t.Fatalf("save errored: %q", res.Blocks[0].Text)
	}
	text := res.Blocks[0].Text
	if !strings.HasPrefix(text, "Saved to ") {
		t.Fatalf("text = %q", text)
	}
	savedPath := strings.TrimPrefix(text, "Saved to ")
	if strings.Contains(filepath.Base(savedPath), "/") || !strings.HasSuffix(savedPath, ".png") {
		t.Fatalf("unsafe path survived: %q", savedPath)
	}
	data, err := os.ReadFile(savedPath)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("saved file = %q, %v", data, err)
	}
}

func TestRegistryValidInput(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := registry.ValidateInput(ToolRenderGraphviz,
		json.RawMessage(`{"source": "digraph {}", "engine": "neato"}`)); err != nil {
		t.Fatalf("ValidateInput() error = %v", err)
	}
	if err := registry.ValidateInput(ToolRenderGraphviz,
		json.RawMessage(`{"source": "digraph {}", "engine": "osage"}`)); err == nil {
		t.Fatalf("engine outside enum accepted")
	}
}

func TestClassifyDefaultsToTikZ(t *testing.T) {
	if got := ClassifyDiagram("something abstract"); !strings.Contains(got, "Recommended backend: tikz") {
		t.Fatalf("default classification = %q", got)
	}
	if got := ClassifyDiagram("plot the sine curve over one period"); !strings.Contains(got, "matplotlib") {
		t.Fatalf("plot classification = %q", got)
	}
}

func TestDefinitionsClosedSet(t *testing.T) {
	defs := Definitions()
	want := []string{
		ToolClassifyDiagram, ToolRenderTikZ, ToolRenderMatplotlib,
		ToolRenderGraphviz, ToolValidateVisual, ToolSaveDiagram,
	}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Fatalf("definition %d = %q, want %q", i, def.Name, want[i])
		}
		if !json.Valid(def.InputSchema) {
			t.Fatalf("schema for %s is not valid JSON", def.Name)
		}
	}
}
