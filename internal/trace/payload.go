package trace

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/diagramd/internal/redact"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// Redaction records how an event's fields were scrubbed.
type Redaction struct {
	Mode    string   `json:"mode"`
	Applied bool     `json:"applied"`
	Rules   []string `json:"rules"`
}

// ErrorInfo carries a redacted, bounded view of a tool failure.
type ErrorInfo struct {
	Name           string  `json:"name"`
	Message        string  `json:"message"`
	Stack          *string `json:"stack"`
	StackTruncated bool    `json:"stack_truncated"`
}

// Size records the serialized event size and whether any field was cut.
type Size struct {
	EventBytes     int  `json:"event_bytes"`
	EventTruncated bool `json:"event_truncated"`
}

// Event is one trace telemetry record. Start events populate the input
// fields; result events populate status, result, error and artifacts.
// After Finalize every field honors its byte budget and the serialized
// event fits under MaxEventBytes.
type Event struct {
	Tool      string `json:"tool"`
	TraceV    int    `json:"trace_v"`
	ToolUseID string `json:"tool_use_id"`
	TsMs      int64  `json:"ts_ms"`
	Seq       int    `json:"seq"`

	Input              *string `json:"input,omitempty"`
	InputFull          *string `json:"input_full,omitempty"`
	InputFullSizeBytes *int    `json:"input_full_size_bytes,omitempty"`
	InputTruncated     bool    `json:"input_truncated"`

	Status              string               `json:"status,omitempty"`
	DurationMs          *int64               `json:"duration_ms,omitempty"`
	ResultSummary       *string              `json:"result_summary,omitempty"`
	ResultText          *string              `json:"result_text,omitempty"`
	ResultTextSizeBytes *int                 `json:"result_text_size_bytes,omitempty"`
	ResultTruncated     bool                 `json:"result_truncated"`
	Error               *ErrorInfo           `json:"error,omitempty"`
	Artifacts           *models.ArtifactInfo `json:"artifacts,omitempty"`

	Redaction Redaction `json:"redaction"`
	Size      Size      `json:"size"`
}

func (e *Event) encodedSize() int {
	raw, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(raw)
}

// Finalize clamps every field to its byte budget, then shrinks the whole
// event under the global ceiling by dropping result_text first and
// input_full second. The size recompute runs to a fixed point (the size
// field itself changes the serialized length) with a bounded iteration count.
func (e *Event) Finalize() {
	eventTruncated := false
	var cut bool

	e.Tool, cut = TruncateToBytes(e.Tool, limitTool)
	eventTruncated = eventTruncated || cut
	e.ToolUseID, cut = TruncateToBytes(e.ToolUseID, limitToolUseID)
	eventTruncated = eventTruncated || cut

	e.Redaction.Mode = "stream"
	rules := e.Redaction.Rules
	if len(rules) > redactionRuleLimit {
		rules = rules[:redactionRuleLimit]
	}
	for i := range rules {
		rules[i], _ = TruncateToBytes(rules[i], limitRule)
	}
	if rules == nil {
		rules = []string{}
	}
	e.Redaction.Rules = rules

	if e.Error != nil {
		if e.Error.Stack != nil {
			stack, stackCut := TruncateToBytes(*e.Error.Stack, limitErrorStack)
			e.Error.Stack = &stack
			if stackCut {
				e.Error.StackTruncated = true
			}
			eventTruncated = eventTruncated || stackCut
		}
		e.Error.Name, cut = TruncateToBytes(e.Error.Name, limitErrorName)
		eventTruncated = eventTruncated || cut
		e.Error.Message, cut = TruncateToBytes(e.Error.Message, limitErrorMessage)
		eventTruncated = eventTruncated || cut
	}

	if e.ResultText != nil {
		text, textCut := TruncateToBytes(*e.ResultText, limitResultText)
		e.ResultText = &text
		if textCut {
			e.ResultTruncated = true
		}
		eventTruncated = eventTruncated || textCut
	}

	if e.InputFull != nil {
		full, fullCut := TruncateToBytes(*e.InputFull, limitInputFull)
		e.InputFull = &full
		if fullCut {
			e.InputTruncated = true
		}
		eventTruncated = eventTruncated || fullCut
	}

	if e.ResultSummary != nil {
		summary, summaryCut := TruncateToBytes(*e.ResultSummary, limitResultSummary)
		e.ResultSummary = &summary
		eventTruncated = eventTruncated || summaryCut
	}

	if e.Input != nil {
		input, inputCut := TruncateToBytes(*e.Input, limitInput)
		e.Input = &input
		eventTruncated = eventTruncated || inputCut
	}

	if e.Artifacts != nil {
		omitted := e.Artifacts.Omitted
		if len(omitted) > artifactOmittedLimit {
			omitted = omitted[:artifactOmittedLimit]
		}
		for i := range omitted {
			var kindCut, reasonCut bool
			if omitted[i].Kind == "" {
				omitted[i].Kind = "unknown"
			}
			if omitted[i].Reason == "" {
				omitted[i].Reason = binaryNotStreamed
			}
			omitted[i].Kind, kindCut = TruncateToBytes(omitted[i].Kind, limitArtifactKind)
			omitted[i].Reason, reasonCut = TruncateToBytes(omitted[i].Reason, limitArtifactWhy)
			eventTruncated = eventTruncated || kindCut || reasonCut
		}
		if omitted == nil {
			omitted = []models.ArtifactManifest{}
		}
		e.Artifacts.Omitted = omitted
	}

	e.Size = Size{EventBytes: 0, EventTruncated: eventTruncated}
	e.settleSize()

	if e.Size.EventBytes > MaxEventBytes {
		e.Size.EventTruncated = true
		if e.ResultText != nil {
			e.ResultText = nil
			e.ResultTruncated = true
		}
		if e.InputFull != nil && e.encodedSize() > MaxEventBytes {
			e.InputFull = nil
			e.InputTruncated = true
		}
		e.settleSize()
	}
}

func (e *Event) settleSize() {
	for i := 0; i < 8; i++ {
		now := e.encodedSize()
		if e.Size.EventBytes == now {
			break
		}
		e.Size.EventBytes = now
	}
}

// BuildStart constructs the finalized trace event emitted before a tool is
// dispatched. input is the decoded tool input value.
func BuildStart(engine *redact.Engine, tool, toolUseID string, input any, seq int, tsMs int64) *Event {
	inputMap, ok := input.(map[string]any)
	if !ok {
		inputMap = map[string]any{"input": input}
	}

	summaryRules := redact.NewRuleSet()
	summary, summaryChanged := engine.Text(Summarize(inputMap), summaryRules)

	inputFull, fullChanged, fullRules := RedactJSONish(engine, input, "non_json_input")
	inputFullSize := len(inputFull)
	limited, truncated := TruncateToBytes(inputFull, limitInputFull)

	allRules := summaryRules
	allRules.Merge(fullRules)

	ev := &Event{
		Tool:               tool,
		TraceV:             TraceV,
		ToolUseID:          toolUseID,
		TsMs:               tsMs,
		Seq:                seq,
		Input:              &summary,
		InputFull:          &limited,
		InputFullSizeBytes: &inputFullSize,
		InputTruncated:     truncated,
		Redaction: Redaction{
			Mode:    "stream",
			Applied: summaryChanged || fullChanged,
			Rules:   allRules.Sorted(),
		},
	}
	ev.Finalize()
	return ev
}

// ResultParams feed BuildResult. IsError is the dispatcher's explicit
// verdict; the trace layer never infers failure from result text.
type ResultParams struct {
	Tool        string
	ToolUseID   string
	Seq         int
	TsMs        int64
	StartedMs   int64
	Content     []models.ContentBlock
	DispatchErr error
	IsError     bool
}

// BuildResult constructs the finalized trace event emitted after a tool
// finishes.
func BuildResult(engine *redact.Engine, p ResultParams) *Event {
	status := "ok"
	if p.DispatchErr != nil || p.IsError {
		status = "error"
	}

	var durationMs *int64
	if p.StartedMs > 0 {
		d := p.TsMs - p.StartedMs
		durationMs = &d
	}

	var rawText string
	var haveText bool
	var artifacts *models.ArtifactInfo
	if p.DispatchErr != nil {
		rawText = p.DispatchErr.Error()
		haveText = true
		artifacts = &models.ArtifactInfo{HasBinary: false, Omitted: []models.ArtifactManifest{}}
	} else {
		rawText, haveText, artifacts = ProjectResultText(p.Content)
	}

	rules := redact.NewRuleSet()
	var resultSummary, resultText *string
	var resultTextSize *int
	resultTruncated := false

	if haveText {
		redacted, _ := engine.Text(rawText, rules)
		size := len(redacted)
		resultTextSize = &size
		limited, limitedCut := TruncateToBytes(redacted, limitResultText)
		resultText = &limited
		resultTruncated = limitedCut
		summary, _ := TruncateToBytes(limited, limitResultSummary)
		if summary != "" {
			resultSummary = &summary
		}
	}

	var errorObj *ErrorInfo
	if p.DispatchErr != nil {
		name, _ := engine.Text(errorName(p.DispatchErr), rules)
		message, _ := engine.Text(p.DispatchErr.Error(), rules)
		errorObj = &ErrorInfo{Name: name, Message: message}
		summary := "Tool failed: " + name
		resultSummary = &summary
	}

	ev := &Event{
		Tool:                p.Tool,
		TraceV:              TraceV,
		ToolUseID:           p.ToolUseID,
		TsMs:                p.TsMs,
		Seq:                 p.Seq,
		Status:              status,
		DurationMs:          durationMs,
		ResultSummary:       resultSummary,
		ResultText:          resultText,
		ResultTextSizeBytes: resultTextSize,
		ResultTruncated:     resultTruncated,
		Error:               errorObj,
		Artifacts:           artifacts,
		Redaction: Redaction{
			Mode:    "stream",
			Applied: len(rules) > 0,
			Rules:   rules.Sorted(),
		},
	}
	ev.Finalize()
	return ev
}

func errorName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
