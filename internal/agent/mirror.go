package agent

import (
	"github.com/haasonsaas/diagramd/internal/redact"
	"github.com/haasonsaas/diagramd/internal/trace"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// The session mirror keeps the latest trace record per tool_use_id with
// untruncated (but always redacted) input and result text, so diagnostics
// can inspect full payloads that the bounded trace events had to cut.

func storeTraceStart(session *models.Session, engine *redact.Engine, tool, toolUseID string, input any, startedAtMs int64, startEv *trace.Event) {
	inputMap, ok := input.(map[string]any)
	if !ok {
		inputMap = map[string]any{"input": input}
	}
	summaryRules := redact.NewRuleSet()
	inputSummary, _ := engine.Text(trace.Summarize(inputMap), summaryRules)
	inputFull, _, fullRules := trace.RedactJSONish(engine, input, "non_json_input")

	merged := redact.NewRuleSet()
	merged.Merge(summaryRules.Sorted())
	merged.Merge(fullRules)
	if existing := session.Traces[toolUseID]; existing != nil {
		merged.Merge(existing.RedactionRules)
	}

	session.StoreTrace(&models.ToolTrace{
		ToolUseID:            toolUseID,
		Tool:                 tool,
		InputSummary:         inputSummary,
		InputFullUntruncated: inputFull,
		StartedAtMs:          startedAtMs,
		InputTruncated:       startEv.InputTruncated,
		EventTruncated:       startEv.Size.EventTruncated,
		InputFullSizeBytes:   startEv.InputFullSizeBytes,
		RedactionRules:       merged.Sorted(),
	})
}

func storeTraceResult(session *models.Session, engine *redact.Engine, tool, toolUseID string, endedAtMs int64, content []models.ContentBlock, resultEv *trace.Event) {
	rawText, haveText, artifacts := trace.ProjectResultText(content)

	rules := redact.NewRuleSet()
	var resultText string
	if haveText {
		resultText, _ = engine.Text(rawText, rules)
	}

	prev := session.Traces[toolUseID]
	merged := redact.NewRuleSet()
	if prev != nil {
		merged.Merge(prev.RedactionRules)
	}
	merged.Merge(rules.Sorted())
	merged.Merge(resultEv.Redaction.Rules)

	resultOK := resultEv.Status == "ok"
	mirror := &models.ToolTrace{
		ToolUseID:             toolUseID,
		Tool:                  tool,
		ResultOK:              &resultOK,
		Status:                resultEv.Status,
		ResultTextUntruncated: resultText,
		EndedAtMs:             &endedAtMs,
		Artifacts:             artifacts,
		ResultTruncated:       resultEv.ResultTruncated,
		EventTruncated:        resultEv.Size.EventTruncated,
		ResultTextSizeBytes:   resultEv.ResultTextSizeBytes,
		RedactionRules:        merged.Sorted(),
	}
	if resultEv.ResultSummary != nil {
		mirror.ResultSummary = *resultEv.ResultSummary
	}
	if prev != nil {
		mirror.InputSummary = prev.InputSummary
		mirror.InputFullUntruncated = prev.InputFullUntruncated
		mirror.StartedAtMs = prev.StartedAtMs
		mirror.InputTruncated = prev.InputTruncated
		mirror.EventTruncated = mirror.EventTruncated || prev.EventTruncated
		mirror.InputFullSizeBytes = prev.InputFullSizeBytes
		duration := endedAtMs - prev.StartedAtMs
		mirror.DurationMs = &duration
	} else {
		mirror.DurationMs = resultEv.DurationMs
	}
	session.StoreTrace(mirror)
}
