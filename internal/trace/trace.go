// Package trace builds the bounded, redacted telemetry payloads emitted for
// every tool invocation, and persists them as JSONL run traces.
package trace

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/diagramd/internal/redact"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// TraceV is the trace schema version stamped on every event.
const TraceV = 1

// MaxEventBytes is the ceiling for a single serialized trace event.
const MaxEventBytes = 65536

// TruncationSuffix marks fields cut to fit their byte budget.
const TruncationSuffix = "...[truncated]"

// Per-field byte budgets. Values are UTF-8 byte counts.
const (
	limitTool          = 64
	limitToolUseID     = 128
	limitInput         = 256
	limitInputFull     = 16384
	limitResultSummary = 512
	limitResultText    = 32768
	limitErrorName     = 128
	limitErrorMessage  = 1024
	limitErrorStack    = 8192
	limitRule          = 64
	limitArtifactKind  = 64
	limitArtifactWhy   = 64
)

const (
	redactionRuleLimit   = 16
	artifactOmittedLimit = 16
)

// binaryNotStreamed is the manifest reason for withheld binary blocks.
const binaryNotStreamed = "binary_not_streamed"

// TruncateToBytes cuts value to at most maxBytes UTF-8 bytes, appending the
// truncation suffix. The cut never splits a rune. When the budget cannot even
// hold the suffix, as much of the suffix as fits is returned.
func TruncateToBytes(value string, maxBytes int) (string, bool) {
	if len(value) <= maxBytes {
		return value, false
	}
	suffixBytes := len(TruncationSuffix)
	if maxBytes <= suffixBytes {
		cut := TruncationSuffix
		for len(cut) > maxBytes {
			_, size := utf8.DecodeLastRuneInString(cut)
			cut = cut[:len(cut)-size]
		}
		return cut, true
	}
	budget := maxBytes - suffixBytes
	for i, r := range value {
		if i+utf8.RuneLen(r) > budget {
			return value[:i] + TruncationSuffix, true
		}
	}
	return value + TruncationSuffix, true
}

// Summarize renders tool input as short k=v pairs for the compact trace
// field. Values longer than 60 characters are clipped before quoting. Keys
// are emitted in sorted order.
func Summarize(input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := input[k]
		s, isString := v.(string)
		if !isString {
			s = fmt.Sprintf("%v", v)
		}
		runes := []rune(s)
		if len(runes) > 60 {
			parts = append(parts, fmt.Sprintf("%s=%q", k, string(runes[:60])))
			continue
		}
		if isString {
			parts = append(parts, fmt.Sprintf("%s=%q", k, s))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", k, s))
		}
	}
	return strings.Join(parts, ", ")
}

// CanonicalJSON serializes a value compactly with sorted keys.
func CanonicalJSON(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	// Round-trip through a generic value so map keys serialize sorted.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// RedactJSONish redacts a structured value and returns its canonical JSON
// text. Values that cannot be serialized fall back to their Go string form
// and fire markRule.
func RedactJSONish(engine *redact.Engine, value any, markRule string) (string, bool, []string) {
	rules := redact.NewRuleSet()
	structured, structuredChanged := redact.Structured(value, rules)
	text, err := CanonicalJSON(structured)
	if err != nil {
		text = fmt.Sprintf("%v", value)
		if markRule != "" {
			rules.Add(markRule)
		}
	}
	text, textChanged := engine.Text(text, rules)
	return text, structuredChanged || textChanged, rules.Sorted()
}

// EstimateBase64DecodedSize estimates the decoded byte count of a base64
// payload without decoding it.
func EstimateBase64DecodedSize(data string) int {
	stripped := strings.TrimRight(data, "=")
	return (len(stripped) * 3) / 4
}

// ProjectResultText flattens tool result blocks into loggable text. Binary
// blocks are never inlined; each contributes a manifest entry instead. The
// returned text is empty (and ok is false) when no text blocks exist.
func ProjectResultText(blocks []models.ContentBlock) (string, bool, *models.ArtifactInfo) {
	texts := make([]string, 0, len(blocks))
	omitted := make([]models.ArtifactManifest, 0)
	hasBinary := false

	for _, block := range blocks {
		if block.Type == models.BlockText {
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
			continue
		}
		hasBinary = true
		kind := string(block.Type)
		size := 0
		if block.Type == models.BlockImage {
			if block.MediaType != "" {
				kind = block.MediaType
			}
			if block.Data != "" {
				size = EstimateBase64DecodedSize(block.Data)
			}
		}
		omitted = append(omitted, models.ArtifactManifest{
			Kind:      kind,
			SizeBytes: size,
			Reason:    binaryNotStreamed,
		})
	}

	if len(omitted) > artifactOmittedLimit {
		omitted = omitted[:artifactOmittedLimit]
	}
	info := &models.ArtifactInfo{HasBinary: hasBinary, Omitted: omitted}
	if len(texts) == 0 {
		return "", false, info
	}
	return strings.Join(texts, "\n"), true, info
}
