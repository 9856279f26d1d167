// Package providers implements the LLM backends the agent engine talks to.
//
// Each provider converts the normalized message history into its API's wire
// format at the boundary, streams the response back as a channel of chunks,
// and reports the stop reason on the final chunk. Everything upstream of this
// package deals only in the normalized content-block union.
package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/diagramd/pkg/models"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a completion request in normalized form.
type Request struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []models.Message
	Tools     []ToolDef
}

// Chunk is one item on a streaming response channel. Text chunks arrive as
// tokens are generated; ToolCall chunks arrive once a tool invocation is
// fully assembled. The final chunk has Done set and carries the stop reason.
type Chunk struct {
	Text       string
	ToolCall   *models.ToolCall
	StopReason models.StopReason
	Done       bool
	Err        error
}

// Provider is a streaming LLM backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream sends the request and returns a channel of response chunks.
	// The channel is closed when the stream completes or fails; errors
	// arrive as chunks with Err set.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Complete runs a one-shot non-streaming completion and returns the
	// text of the response. Used for auxiliary calls like visual scoring.
	Complete(ctx context.Context, req *Request) (string, error)
}

// emit delivers a chunk unless the consumer has stopped reading. A false
// return means ctx was cancelled and the producer must exit instead of
// blocking on the channel forever.
func emit(ctx context.Context, chunks chan<- *Chunk, c *Chunk) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

const defaultMaxTokens = 8096

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}
