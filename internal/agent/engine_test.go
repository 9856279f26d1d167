package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/diagramd/internal/agent/providers"
	"github.com/haasonsaas/diagramd/internal/backends"
	"github.com/haasonsaas/diagramd/internal/tools"
	"github.com/haasonsaas/diagramd/internal/trace"
	"github.com/haasonsaas/diagramd/internal/validators"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// scriptedProvider replays one pre-built chunk sequence per Stream call.
type scriptedProvider struct {
	scripts   [][]*providers.Chunk
	streamErr error
	requests  []*providers.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, req *providers.Request) (<-chan *providers.Chunk, error) {
	p.requests = append(p.requests, req)
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	idx := len(p.requests) - 1
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	script := p.scripts[idx]
	ch := make(chan *providers.Chunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Complete(context.Context, *providers.Request) (string, error) {
	return "", errors.New("not implemented")
}

type stubCompleter struct{ response string }

func (s *stubCompleter) Complete(context.Context, *providers.Request) (string, error) {
	return s.response, nil
}

func newTestEngine(t *testing.T, provider providers.Provider, traces *trace.Writer, maxTurns int) *Engine {
	t.Helper()
	registry, err := tools.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	renderer := backends.New(backends.Config{
		PdflatexPath:  filepath.Join(t.TempDir(), "missing", "pdflatex"),
		DotPath:       filepath.Join(t.TempDir(), "missing", "dot"),
		PythonPath:    filepath.Join(t.TempDir(), "missing", "python3"),
		RenderTimeout: 5 * time.Second,
	})
	visual := validators.NewVisual(&stubCompleter{response: `{"score": 8, "issues": [], "suggestions": []}`}, "test-model", 7.0)
	dispatcher := tools.NewDispatcher(registry, renderer, visual, filepath.Join(t.TempDir(), "output"))
	return New(Config{
		Provider:   provider,
		Dispatcher: dispatcher,
		Traces:     traces,
		Model:      "test-model",
		MaxTurns:   maxTurns,
	})
}

func drain(t *testing.T, ch <-chan models.Event) []models.Event {
	t.Helper()
	var events []models.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event channel did not close; got %d events", len(events))
		}
	}
}

func textChunk(text string) *providers.Chunk { return &providers.Chunk{Text: text} }

func doneChunk(reason models.StopReason) *providers.Chunk {
	return &providers.Chunk{Done: true, StopReason: reason}
}

func toolChunk(id, name, input string) *providers.Chunk {
	return &providers.Chunk{ToolCall: &models.ToolCall{
		ID:    id,
		Name:  name,
		Input: json.RawMessage(input),
	}}
}

func TestRunEndTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{textChunk("Here is "), textChunk("the plan."), doneChunk(models.StopEndTurn)},
	}}
	engine := newTestEngine(t, provider, nil, 0)
	session := models.NewSession("s1")

	events := drain(t, engine.Run(context.Background(), session, "draw a tree"))

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Type != models.EventTextDelta || events[0].Payload["delta"] != "Here is " {
		t.Fatalf("event 0 = %+v", events[0])
	}
	last := events[2]
	if last.Type != models.EventTurnComplete {
		t.Fatalf("last event type = %s", last.Type)
	}
	if last.Payload["reply"] != "Here is the plan." {
		t.Fatalf("reply = %v", last.Payload["reply"])
	}
	if last.Payload["render_id"] != nil {
		t.Fatalf("render_id = %v, want nil", last.Payload["render_id"])
	}

	if len(session.Messages) != 2 {
		t.Fatalf("session has %d messages, want 2", len(session.Messages))
	}
	if session.Messages[0].Role != models.RoleUser || session.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %s, %s", session.Messages[0].Role, session.Messages[1].Role)
	}

	req := provider.requests[0]
	if req.System == "" {
		t.Fatalf("request sent without system prompt")
	}
	if len(req.Tools) != len(tools.Definitions()) {
		t.Fatalf("request carries %d tools, want %d", len(req.Tools), len(tools.Definitions()))
	}
}

func TestRunToolUse(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{
			toolChunk("toolu_01", tools.ToolClassifyDiagram, `{"description": "a binary tree with nodes and edges"}`),
			doneChunk(models.StopToolUse),
		},
		{textChunk("Use graphviz."), doneChunk(models.StopEndTurn)},
	}}
	var buf bytes.Buffer
	writer := trace.NewWriter(&buf, "run-1")
	engine := newTestEngine(t, provider, writer, 0)
	session := models.NewSession("s2")

	events := drain(t, engine.Run(context.Background(), session, "what backend should I use"))

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	start := events[0]
	if start.Type != models.EventToolStart {
		t.Fatalf("event 0 type = %s", start.Type)
	}
	if start.Payload["tool"] != tools.ToolClassifyDiagram || start.Payload["tool_use_id"] != "toolu_01" {
		t.Fatalf("tool_start payload = %v", start.Payload)
	}
	if seq, _ := start.Payload["seq"].(float64); seq != 1 {
		t.Fatalf("tool_start seq = %v", start.Payload["seq"])
	}
	result := events[1]
	if result.Type != models.EventToolResult {
		t.Fatalf("event 1 type = %s", result.Type)
	}
	if seq, _ := result.Payload["seq"].(float64); seq != 2 {
		t.Fatalf("tool_result seq = %v", result.Payload["seq"])
	}
	if result.Payload["status"] != "ok" {
		t.Fatalf("tool_result status = %v", result.Payload["status"])
	}
	if events[2].Type != models.EventTextDelta || events[3].Type != models.EventTurnComplete {
		t.Fatalf("tail events = %s, %s", events[2].Type, events[3].Type)
	}

	// user, assistant(tool_use), user(tool_result), assistant(text)
	if len(session.Messages) != 4 {
		t.Fatalf("session has %d messages, want 4", len(session.Messages))
	}
	resultMsg := session.Messages[2]
	if resultMsg.Role != models.RoleUser || len(resultMsg.Content) != 1 {
		t.Fatalf("tool result message = %+v", resultMsg)
	}
	block := resultMsg.Content[0]
	if block.Type != models.BlockToolResult || block.ToolUseID != "toolu_01" || block.IsError {
		t.Fatalf("tool result block = %+v", block)
	}
	if !strings.Contains(block.Content[0].Text, "Recommended backend: graphviz") {
		t.Fatalf("tool result text = %q", block.Content[0].Text)
	}

	mirror := session.Traces["toolu_01"]
	if mirror == nil {
		t.Fatalf("no trace mirror stored")
	}
	if mirror.ResultOK == nil || !*mirror.ResultOK {
		t.Fatalf("mirror result_ok = %v", mirror.ResultOK)
	}
	if mirror.DurationMs == nil || *mirror.DurationMs < 0 {
		t.Fatalf("mirror duration = %v", mirror.DurationMs)
	}
	if mirror.InputSummary == "" || mirror.ResultTextUntruncated == "" {
		t.Fatalf("mirror missing payloads: %+v", mirror)
	}

	reader, err := trace.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	traced, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(traced) != 2 || traced[0].Seq != 1 || traced[1].Seq != 2 {
		t.Fatalf("trace stream = %+v", traced)
	}
	if traced[1].Status != "ok" {
		t.Fatalf("traced result status = %q", traced[1].Status)
	}
}

func TestRunFallbackToolUseID(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{
			toolChunk("", tools.ToolClassifyDiagram, `{"description": "a flowchart"}`),
			doneChunk(models.StopToolUse),
		},
		{textChunk("ok"), doneChunk(models.StopEndTurn)},
	}}
	engine := newTestEngine(t, provider, nil, 0)
	session := models.NewSession("s3")

	events := drain(t, engine.Run(context.Background(), session, "classify this"))
	if events[0].Type != models.EventToolStart {
		t.Fatalf("event 0 type = %s", events[0].Type)
	}
	if events[0].Payload["tool_use_id"] != "tool_use_0_1" {
		t.Fatalf("tool_use_id = %v", events[0].Payload["tool_use_id"])
	}
	if session.Traces["tool_use_0_1"] == nil {
		t.Fatalf("mirror not stored under fallback id")
	}
}

func TestRunUnexpectedStopReason(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{textChunk("partial"), doneChunk(models.StopReason("max_tokens"))},
	}}
	engine := newTestEngine(t, provider, nil, 0)
	session := models.NewSession("s4")

	events := drain(t, engine.Run(context.Background(), session, "hi"))
	last := events[len(events)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event type = %s", last.Type)
	}
	if last.Payload["message"] != "Unexpected stop_reason: max_tokens" {
		t.Fatalf("message = %v", last.Payload["message"])
	}
}

func TestRunMaxTurns(t *testing.T) {
	loop := []*providers.Chunk{
		toolChunk("toolu_loop", tools.ToolClassifyDiagram, `{"description": "a graph"}`),
		doneChunk(models.StopToolUse),
	}
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{loop, loop}}
	engine := newTestEngine(t, provider, nil, 2)
	session := models.NewSession("s5")

	events := drain(t, engine.Run(context.Background(), session, "keep going"))
	last := events[len(events)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event type = %s", last.Type)
	}
	if last.Payload["message"] != "Reached 2 turns without completing." {
		t.Fatalf("message = %v", last.Payload["message"])
	}
	if len(provider.requests) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.requests))
	}
}

func TestRunStreamError(t *testing.T) {
	provider := &scriptedProvider{streamErr: errors.New("connection refused")}
	engine := newTestEngine(t, provider, nil, 0)
	session := models.NewSession("s6")

	events := drain(t, engine.Run(context.Background(), session, "hi"))
	if len(events) != 1 || events[0].Type != models.EventError {
		t.Fatalf("events = %+v", events)
	}
	msg, _ := events[0].Payload["message"].(string)
	if !strings.Contains(msg, "stream") || !strings.Contains(msg, "connection refused") {
		t.Fatalf("message = %q", msg)
	}
}

func TestRunChunkError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{textChunk("partial"), {Err: errors.New("overloaded")}},
	}}
	engine := newTestEngine(t, provider, nil, 0)
	session := models.NewSession("s7")

	events := drain(t, engine.Run(context.Background(), session, "hi"))
	last := events[len(events)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event type = %s", last.Type)
	}
	msg, _ := last.Payload["message"].(string)
	if !strings.Contains(msg, "overloaded") {
		t.Fatalf("message = %q", msg)
	}
}

func TestTurnErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &TurnError{Phase: "stream", Turn: 3, Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("TurnError does not unwrap to its cause")
	}
	want := fmt.Sprintf("turn %d stream: %v", 3, cause)
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
