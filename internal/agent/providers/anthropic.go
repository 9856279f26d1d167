package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/diagramd/pkg/models"
)

// AnthropicProvider streams completions from the Anthropic messages API.
// Safe for concurrent use; each Stream call runs its own goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropicProvider builds a provider from config. The API key may be
// empty when the SDK picks it up from the environment.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream sends the request and processes the SSE response into chunks.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var currentToolCall *models.ToolCall
		var currentToolInput strings.Builder
		stopReason := ""

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					currentToolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						if !emit(ctx, chunks, &Chunk{Text: delta.Text}) {
							return
						}
					}
				case "input_json_delta":
					currentToolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentToolCall != nil {
					input := currentToolInput.String()
					if input == "" {
						input = "{}"
					}
					currentToolCall.Input = json.RawMessage(input)
					if !emit(ctx, chunks, &Chunk{ToolCall: currentToolCall}) {
						return
					}
					currentToolCall = nil
				}

			case "message_delta":
				if sr := string(event.AsMessageDelta().Delta.StopReason); sr != "" {
					stopReason = sr
				}

			case "message_stop":
				emit(ctx, chunks, &Chunk{Done: true, StopReason: models.StopReason(stopReason)})
				return

			case "error":
				emit(ctx, chunks, &Chunk{Err: errors.New("anthropic: stream error")})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, chunks, &Chunk{Err: fmt.Errorf("anthropic: %w", err)})
		}
	}()
	return chunks, nil
}

// Complete runs a one-shot completion and returns the first text block.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))

			case models.BlockImage:
				content = append(content, anthropic.NewImageBlockBase64(block.MediaType, block.Data))

			case models.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool input for %s: %w", block.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))

			case models.BlockToolResult:
				content = append(content, convertAnthropicToolResult(block))
			}
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicToolResult(block models.ContentBlock) anthropic.ContentBlockParamUnion {
	param := anthropic.ToolResultBlockParam{ToolUseID: block.ToolUseID}
	if block.IsError {
		param.IsError = anthropic.Bool(true)
	}
	var content []anthropic.ToolResultBlockParamContentUnion
	for _, inner := range block.Content {
		switch inner.Type {
		case models.BlockText:
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: inner.Text},
			})
		case models.BlockImage:
			mediaType, ok := anthropicMediaType(inner.MediaType)
			if !ok {
				continue
			}
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      inner.Data,
							MediaType: mediaType,
						},
					},
				},
			})
		}
	}
	param.Content = content
	return anthropic.ContentBlockParamUnion{OfToolResult: &param}
}

func anthropicMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
