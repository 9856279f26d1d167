// Package validators scores rendered diagrams against their original request
// using a second model instance.
package validators

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/diagramd/internal/agent/providers"
	"github.com/haasonsaas/diagramd/pkg/models"
)

const validatePrompt = `You are a strict reviewer of rendered technical diagrams.

You will be shown a rendered diagram image and the original request it was
generated from. Evaluate how well the image satisfies the request: correctness
of the content, completeness of labels, readability, and layout quality.

Respond with ONLY a JSON object, no prose and no code fences:
{
  "score": <number 0-10>,
  "issues": ["<specific problem>", ...],
  "suggestions": ["<concrete improvement>", ...]
}

Score 9-10 for diagrams that fully satisfy the request, 7-8 for minor cosmetic
issues, below 7 for missing or wrong content, unreadable labels, or clipped
elements.`

// Result is the outcome of a visual validation pass.
type Result struct {
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
	RawFeedback string   `json:"-"`
}

// Completer is the one-shot completion surface the validator needs.
type Completer interface {
	Complete(ctx context.Context, req *providers.Request) (string, error)
}

// Visual scores a rendered PNG against the description it was generated from.
type Visual struct {
	completer Completer
	model     string
	threshold float64
}

// NewVisual builds a validator. Scores at or above threshold pass.
func NewVisual(completer Completer, model string, threshold float64) *Visual {
	if threshold == 0 {
		threshold = 7.0
	}
	return &Visual{completer: completer, model: model, threshold: threshold}
}

// Validate sends the image and description for scoring. A response that is
// not the expected JSON shape yields a failed result carrying the raw
// feedback rather than an error; only transport failures return an error.
func (v *Visual) Validate(ctx context.Context, imageBytes []byte, description string) (*Result, error) {
	b64 := base64.StdEncoding.EncodeToString(imageBytes)
	raw, err := v.completer.Complete(ctx, &providers.Request{
		Model:     v.model,
		System:    validatePrompt,
		MaxTokens: 1024,
		Messages: []models.Message{
			{
				Role: models.RoleUser,
				Content: []models.ContentBlock{
					models.ImageBlock("image/png", b64),
					models.TextBlock(fmt.Sprintf(
						"Original diagram request:\n%s\n\nEvaluate the rendered diagram above against the request.",
						description,
					)),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("visual validation: %w", err)
	}

	var parsed struct {
		Score       float64  `json:"score"`
		Issues      []string `json:"issues"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return &Result{
			Passed:      false,
			Score:       0,
			Issues:      []string{raw},
			RawFeedback: raw,
		}, nil
	}
	return &Result{
		Passed:      parsed.Score >= v.threshold,
		Score:       parsed.Score,
		Issues:      parsed.Issues,
		Suggestions: parsed.Suggestions,
		RawFeedback: raw,
	}, nil
}
