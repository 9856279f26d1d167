package providers

import (
	"encoding/json"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/diagramd/pkg/models"
)

func TestConvertOpenAIMessages(t *testing.T) {
	history := []models.Message{
		models.UserMessage("draw a venn diagram"),
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				models.TextBlock("rendering now"),
				models.ToolUseBlock("call_1", "render_graphviz", json.RawMessage(`{"source":"digraph{}"}`)),
			},
		},
		{
			Role: models.RoleUser,
			Content: []models.ContentBlock{
				models.ToolResultBlock("call_1", []models.ContentBlock{
					models.ImageBlock("image/png", "aGVsbG8="),
					models.TextBlock("Rendered successfully using graphviz. Examine the image above carefully."),
				}, false),
			},
		},
	}

	out := convertOpenAIMessages("system prompt", history)
	if len(out) != 4 {
		t.Fatalf("converted %d messages, want 4", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "system prompt" {
		t.Fatalf("system message = %+v", out[0])
	}
	if out[1].Role != openai.ChatMessageRoleUser || out[1].Content != "draw a venn diagram" {
		t.Fatalf("user message = %+v", out[1])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "render_graphviz" {
		t.Fatalf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "call_1" {
		t.Fatalf("tool message = %+v", out[3])
	}
	if !strings.Contains(out[3].Content, "image_url") || !strings.Contains(out[3].Content, "data:image/png;base64,") {
		t.Fatalf("tool content lost the image descriptor: %q", out[3].Content)
	}
}

func TestProjectToolResultContentTextOnly(t *testing.T) {
	got := projectToolResultContent([]models.ContentBlock{
		models.TextBlock("line one"),
		models.TextBlock("line two"),
	})
	if got != "line one\nline two" {
		t.Fatalf("projectToolResultContent() = %q", got)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: []models.ContentBlock{models.TextBlock("ignored")}},
		models.UserMessage("hello"),
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				models.ToolUseBlock("toolu_1", "render_tikz", json.RawMessage(`{"source":"x"}`)),
			},
		},
		{
			Role: models.RoleUser,
			Content: []models.ContentBlock{
				models.ToolResultBlock("toolu_1", []models.ContentBlock{models.TextBlock("done")}, true),
			},
		},
	}

	out, err := convertAnthropicMessages(history)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("converted %d messages, want 3 (system dropped)", len(out))
	}
}

func TestConvertAnthropicMessagesRejectsBadToolInput(t *testing.T) {
	history := []models.Message{
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				models.ToolUseBlock("toolu_1", "render_tikz", json.RawMessage(`{broken`)),
			},
		},
	}
	if _, err := convertAnthropicMessages(history); err == nil {
		t.Fatalf("expected error for invalid tool input JSON")
	}
}

func TestMapOpenAIFinishReason(t *testing.T) {
	if got := mapOpenAIFinishReason("stop"); got != models.StopEndTurn {
		t.Fatalf("stop -> %q", got)
	}
	if got := mapOpenAIFinishReason("tool_calls"); got != models.StopToolUse {
		t.Fatalf("tool_calls -> %q", got)
	}
	if got := mapOpenAIFinishReason("length"); got != models.StopReason("length") {
		t.Fatalf("length -> %q", got)
	}
}

func TestAnthropicMediaType(t *testing.T) {
	if _, ok := anthropicMediaType("image/png"); !ok {
		t.Fatalf("image/png rejected")
	}
	if _, ok := anthropicMediaType("application/pdf"); ok {
		t.Fatalf("application/pdf accepted")
	}
}
