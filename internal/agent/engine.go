// Package agent runs the multi-turn diagram generation loop: stream a model
// response, dispatch the tool calls it requests, feed results back, and
// repeat until the model ends its turn or the turn ceiling is hit. Progress
// is reported as a channel of events the transport forwards verbatim.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/diagramd/internal/agent/providers"
	"github.com/haasonsaas/diagramd/internal/observability"
	"github.com/haasonsaas/diagramd/internal/redact"
	"github.com/haasonsaas/diagramd/internal/tools"
	"github.com/haasonsaas/diagramd/internal/trace"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// Config wires an Engine.
type Config struct {
	Provider   providers.Provider
	Dispatcher *tools.Dispatcher
	Redactor   *redact.Engine
	Traces     *trace.Writer
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Model      string
	MaxTurns   int
}

// Engine drives agent turns. Safe for concurrent use; each Run call owns its
// session exclusively for the duration of the turn.
type Engine struct {
	provider   providers.Provider
	dispatcher *tools.Dispatcher
	redactor   *redact.Engine
	traces     *trace.Writer
	logger     *observability.Logger
	metrics    *observability.Metrics
	model      string
	maxTurns   int
}

// New builds an engine from config, defaulting the turn ceiling to 20.
func New(cfg Config) *Engine {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.Redactor == nil {
		cfg.Redactor = redact.NewEngine()
	}
	return &Engine{
		provider:   cfg.Provider,
		dispatcher: cfg.Dispatcher,
		redactor:   cfg.Redactor,
		traces:     cfg.Traces,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		model:      cfg.Model,
		maxTurns:   cfg.MaxTurns,
	}
}

// Run appends the user message to the session and processes one full agent
// turn. Events stream on the returned channel, which closes when the turn
// finishes or ctx is cancelled. The caller persists the session.
func (e *Engine) Run(ctx context.Context, session *models.Session, userText string) <-chan models.Event {
	events := make(chan models.Event)
	go func() {
		defer close(events)
		e.run(ctx, session, userText, events)
	}()
	return events
}

func toolDefs() []providers.ToolDef {
	defs := tools.Definitions()
	out := make([]providers.ToolDef, 0, len(defs))
	for _, def := range defs {
		out = append(out, providers.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return out
}

func (e *Engine) run(ctx context.Context, session *models.Session, userText string, events chan<- models.Event) {
	session.Messages = append(session.Messages, models.Message{
		Role:      models.RoleUser,
		Content:   []models.ContentBlock{models.TextBlock(userText)},
		CreatedAt: time.Now().UTC(),
	})

	defs := toolDefs()

	for turn := 0; turn < e.maxTurns; turn++ {
		traceSeq := 0

		llmStart := time.Now()
		chunks, err := e.provider.Stream(ctx, &providers.Request{
			Model:    e.model,
			System:   systemPrompt,
			Messages: session.Messages,
			Tools:    defs,
		})
		if err != nil {
			e.fail(ctx, session, events, &TurnError{Phase: "stream", Turn: turn, Cause: err})
			return
		}

		var reply strings.Builder
		var toolCalls []models.ToolCall
		var stopReason models.StopReason

		for chunk := range chunks {
			if chunk.Err != nil {
				e.recordLLM("error", llmStart)
				e.fail(ctx, session, events, &TurnError{Phase: "stream", Turn: turn, Cause: chunk.Err})
				return
			}
			if chunk.Text != "" {
				reply.WriteString(chunk.Text)
				if !e.send(ctx, events, models.TextDeltaEvent(chunk.Text)) {
					return
				}
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				stopReason = chunk.StopReason
			}
		}
		e.recordLLM("ok", llmStart)

		var blocks []models.ContentBlock
		if text := reply.String(); text != "" {
			blocks = append(blocks, models.TextBlock(text))
		}
		for _, tc := range toolCalls {
			blocks = append(blocks, models.ToolUseBlock(tc.ID, tc.Name, tc.Input))
		}
		session.Messages = append(session.Messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   blocks,
			CreatedAt: time.Now().UTC(),
		})

		if stopReason == models.StopEndTurn {
			e.recordTurn("complete")
			e.send(ctx, events, models.NewEvent(models.EventTurnComplete, map[string]any{
				"reply":     reply.String(),
				"render_id": renderIDOrNil(session),
			}))
			return
		}
		if stopReason != models.StopToolUse {
			e.recordTurn("error")
			e.send(ctx, events, models.ErrorEvent(fmt.Sprintf("Unexpected stop_reason: %s", stopReason)))
			return
		}

		var resultBlocks []models.ContentBlock
		for i, tc := range toolCalls {
			toolUseID := tc.ID
			if toolUseID == "" {
				toolUseID = fmt.Sprintf("tool_use_%d_%d", turn, i+1)
			}

			var inputVal any
			if err := json.Unmarshal(tc.Input, &inputVal); err != nil {
				inputVal = string(tc.Input)
			}

			startTs := nowMs()
			traceSeq++
			startEv := trace.BuildStart(e.redactor, tc.Name, toolUseID, inputVal, traceSeq, startTs)
			e.appendTrace(startEv)
			storeTraceStart(session, e.redactor, tc.Name, toolUseID, inputVal, startTs, startEv)
			if !e.send(ctx, events, models.NewEvent(models.EventToolStart, eventPayload(startEv))) {
				return
			}

			if e.logger != nil {
				e.logger.Info(ctx, "dispatching tool",
					"tool", tc.Name, "tool_use_id", toolUseID, "session_id", session.ID)
			}

			prevRender := session.CurrentRenderID
			toolStart := time.Now()
			res := e.dispatcher.Dispatch(ctx, tc.Name, tc.Input, session)
			e.recordTool(tc.Name, res, toolStart)

			if session.CurrentRenderID != prevRender && session.CurrentRenderID != "" {
				if !e.send(ctx, events, models.NewEvent(models.EventRenderReady, map[string]any{
					"render_id": session.CurrentRenderID,
					"backend":   strings.TrimPrefix(tc.Name, "render_"),
				})) {
					return
				}
			}

			if tc.Name == tools.ToolValidateVisual && res.Validation != nil {
				if !e.send(ctx, events, models.NewEvent(models.EventValidateResult, map[string]any{
					"render_id":   renderIDOrNil(session),
					"score":       res.Validation.Score,
					"passed":      res.Validation.Passed,
					"issues":      res.Validation.Issues,
					"suggestions": res.Validation.Suggestions,
				})) {
					return
				}
			}

			resultTs := nowMs()
			traceSeq++
			resultEv := trace.BuildResult(e.redactor, trace.ResultParams{
				Tool:      tc.Name,
				ToolUseID: toolUseID,
				Seq:       traceSeq,
				TsMs:      resultTs,
				StartedMs: startTs,
				Content:   res.Blocks,
				IsError:   res.IsError,
			})
			e.appendTrace(resultEv)
			storeTraceResult(session, e.redactor, tc.Name, toolUseID, resultTs, res.Blocks, resultEv)
			if !e.send(ctx, events, models.NewEvent(models.EventToolResult, eventPayload(resultEv))) {
				return
			}

			resultBlocks = append(resultBlocks, models.ToolResultBlock(toolUseID, res.Blocks, res.IsError))
		}

		session.Messages = append(session.Messages, models.Message{
			Role:      models.RoleUser,
			Content:   resultBlocks,
			CreatedAt: time.Now().UTC(),
		})
	}

	e.recordTurn("max_turns")
	e.send(ctx, events, models.ErrorEvent(fmt.Sprintf("Reached %d turns without completing.", e.maxTurns)))
}

func (e *Engine) fail(ctx context.Context, session *models.Session, events chan<- models.Event, err *TurnError) {
	e.recordTurn("error")
	if e.logger != nil {
		e.logger.Error(ctx, "agent turn failed", "error", err, "session_id", session.ID)
	}
	e.send(ctx, events, models.ErrorEvent(err.Error()))
}

func (e *Engine) send(ctx context.Context, events chan<- models.Event, ev models.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) appendTrace(ev *trace.Event) {
	if e.traces != nil {
		e.traces.Append(ev)
	}
}

func (e *Engine) recordTurn(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordTurn(outcome)
	}
}

func (e *Engine) recordLLM(status string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordLLMRequest(e.provider.Name(), e.model, status, time.Since(start).Seconds())
	}
}

func (e *Engine) recordTool(tool string, res tools.Result, start time.Time) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if res.IsError {
		status = "error"
	}
	e.metrics.RecordToolExecution(tool, status, time.Since(start).Seconds())
	if res.Backend != "" {
		e.metrics.RecordRender(res.Backend, status)
	}
}

// eventPayload flattens a finalized trace event into the generic payload map
// the transport serializes.
func eventPayload(ev *trace.Event) map[string]any {
	raw, err := json.Marshal(ev)
	if err != nil {
		return map[string]any{"tool": ev.Tool, "tool_use_id": ev.ToolUseID}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"tool": ev.Tool, "tool_use_id": ev.ToolUseID}
	}
	return payload
}

func renderIDOrNil(session *models.Session) any {
	if session.CurrentRenderID == "" {
		return nil
	}
	return session.CurrentRenderID
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
