package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/diagramd/pkg/models"
)

// OpenAIProvider streams completions from any OpenAI-compatible chat
// endpoint. Tool call fragments are accumulated per index until the stream
// ends, then emitted sorted by call id so dispatch order is deterministic.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAIProvider builds a provider from config. BaseURL defaults to the
// public OpenAI endpoint, passed explicitly so a blank environment override
// cannot leak in.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Stream sends the request and converts the chunked response into the
// normalized chunk stream.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq := p.buildRequest(req)
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		type pendingCall struct {
			id   string
			name string
			args strings.Builder
		}
		pending := make(map[int]*pendingCall)
		finishReason := ""

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				emit(ctx, chunks, &Chunk{Err: fmt.Errorf("openai: %w", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				if !emit(ctx, chunks, &Chunk{Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := pending[idx]
				if !ok {
					call = &pendingCall{}
					pending[idx] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
		}

		calls := make([]*pendingCall, 0, len(pending))
		for _, call := range pending {
			calls = append(calls, call)
		}
		sort.Slice(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
		for _, call := range calls {
			args := call.args.String()
			if args == "" {
				args = "{}"
			}
			if !emit(ctx, chunks, &Chunk{ToolCall: &models.ToolCall{
				ID:    call.id,
				Name:  call.name,
				Input: json.RawMessage(args),
			}}) {
				return
			}
		}

		emit(ctx, chunks, &Chunk{Done: true, StopReason: mapOpenAIFinishReason(finishReason)})
	}()
	return chunks, nil
}

// Complete runs a one-shot completion and returns the response text.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: maxTokensOrDefault(req.MaxTokens),
		Messages:            convertOpenAIMessages(req.System, req.Messages),
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return chatReq
}

func mapOpenAIFinishReason(reason string) models.StopReason {
	switch reason {
	case "stop":
		return models.StopEndTurn
	case "tool_calls":
		return models.StopToolUse
	default:
		return models.StopReason(reason)
	}
}

// convertOpenAIMessages flattens the normalized history into OpenAI chat
// messages. Assistant tool_use blocks become tool_calls; each user-side
// tool_result block becomes its own tool-role message.
func convertOpenAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	result := []openai.ChatCompletionMessage{}
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var texts []string
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText:
					texts = append(texts, block.Text)
				case models.BlockToolUse:
					out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
						ID:   block.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      block.Name,
							Arguments: string(block.Input),
						},
					})
				}
			}
			out.Content = strings.Join(texts, "\n")
			result = append(result, out)

		default:
			var toolResults []models.ContentBlock
			var parts []openai.ChatMessagePart
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockToolResult:
					toolResults = append(toolResults, block)
				case models.BlockText:
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: block.Text,
					})
				case models.BlockImage:
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: dataURL(block.MediaType, block.Data),
						},
					})
				}
			}

			if len(parts) == 1 && parts[0].Type == openai.ChatMessagePartTypeText {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: parts[0].Text,
				})
			} else if len(parts) > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			}

			for _, tr := range toolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tr.ToolUseID,
					Content:    projectToolResultContent(tr.Content),
				})
			}
		}
	}
	return result
}

// projectToolResultContent renders nested tool result blocks as a string for
// OpenAI's tool-role messages, which carry plain text. Image blocks are
// converted to image_url descriptors and serialized alongside the text.
func projectToolResultContent(blocks []models.ContentBlock) string {
	var texts []string
	var structured []map[string]any
	hasImage := false
	for _, block := range blocks {
		switch block.Type {
		case models.BlockText:
			texts = append(texts, block.Text)
			structured = append(structured, map[string]any{"type": "text", "text": block.Text})
		case models.BlockImage:
			hasImage = true
			structured = append(structured, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": dataURL(block.MediaType, block.Data)},
			})
		}
	}
	if !hasImage {
		return strings.Join(texts, "\n")
	}
	raw, err := json.Marshal(structured)
	if err != nil {
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

func dataURL(mediaType, data string) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, data)
}
