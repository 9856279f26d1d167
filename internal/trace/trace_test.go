package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/haasonsaas/diagramd/internal/redact"
	"github.com/haasonsaas/diagramd/pkg/models"
)

func testEngine() *redact.Engine {
	return redact.NewEngineFromEnviron([]string{"ANTHROPIC_API_KEY=sk-ant-REDACTED"})
}

func TestTruncateToBytesUnderBudget(t *testing.T) {
	got, cut := TruncateToBytes("short", 64)
	if got != "short" || cut {
		t.Fatalf("TruncateToBytes() = %q, %v; want unchanged", got, cut)
	}
}

func TestTruncateToBytesAppliesSuffix(t *testing.T) {
	in := strings.Repeat("a", 100)
	got, cut := TruncateToBytes(in, 32)
	if !cut {
		t.Fatalf("expected truncation")
	}
	if len(got) > 32 {
		t.Fatalf("truncated value is %d bytes, budget 32", len(got))
	}
	if !strings.HasSuffix(got, TruncationSuffix) {
		t.Fatalf("missing suffix: %q", got)
	}
}

func TestTruncateToBytesNeverSplitsRunes(t *testing.T) {
	in := strings.Repeat("héllo wörld ", 50)
	for budget := 1; budget < 80; budget++ {
		got, _ := TruncateToBytes(in, budget)
		if !utf8.ValidString(got) {
			t.Fatalf("budget %d produced invalid UTF-8: %q", budget, got)
		}
		if len(got) > budget {
			t.Fatalf("budget %d exceeded: %d bytes", budget, len(got))
		}
	}
}

func TestTruncateToBytesBudgetSmallerThanSuffix(t *testing.T) {
	got, cut := TruncateToBytes(strings.Repeat("x", 50), 5)
	if !cut {
		t.Fatalf("expected truncation")
	}
	if len(got) > 5 {
		t.Fatalf("got %d bytes, budget 5", len(got))
	}
	if !strings.HasPrefix(TruncationSuffix, got) {
		t.Fatalf("expected a prefix of the suffix, got %q", got)
	}
}

func TestSummarizeClipsLongValues(t *testing.T) {
	got := Summarize(map[string]any{
		"code":    strings.Repeat("x", 100),
		"backend": "tikz",
		"retries": 3,
	})
	if !strings.Contains(got, `backend="tikz"`) {
		t.Fatalf("missing backend pair: %q", got)
	}
	if !strings.Contains(got, "retries=3") {
		t.Fatalf("missing retries pair: %q", got)
	}
	if strings.Contains(got, strings.Repeat("x", 61)) {
		t.Fatalf("long value not clipped: %q", got)
	}
}

func TestBuildStartRedactsInput(t *testing.T) {
	e := testEngine()
	input := map[string]any{
		"api_key": "sk-live-secret",
		"code":    "plot stuff",
	}
	ev := BuildStart(e, "render_matplotlib", "toolu_1", input, 1, 1700000000000)

	if ev.Tool != "render_matplotlib" || ev.Seq != 1 {
		t.Fatalf("unexpected identity fields: %+v", ev)
	}
	if ev.InputFull == nil || strings.Contains(*ev.InputFull, "sk-live-secret") {
		t.Fatalf("input_full leaked secret: %v", ev.InputFull)
	}
	if !strings.Contains(*ev.InputFull, redact.Redacted) {
		t.Fatalf("expected redaction marker in input_full: %q", *ev.InputFull)
	}
	if !ev.Redaction.Applied {
		t.Fatalf("redaction.applied = false")
	}
	found := false
	for _, r := range ev.Redaction.Rules {
		if r == "key_based" {
			found = true
		}
	}
	if !found {
		t.Fatalf("key_based rule missing: %v", ev.Redaction.Rules)
	}
}

func TestBuildStartCapsInputFull(t *testing.T) {
	e := testEngine()
	input := map[string]any{"code": strings.Repeat("line of tikz\n", 4000)}
	ev := BuildStart(e, "render_tikz", "toolu_2", input, 1, 1)

	if ev.InputFull == nil {
		t.Fatalf("input_full dropped unexpectedly")
	}
	if len(*ev.InputFull) > 16384 {
		t.Fatalf("input_full is %d bytes", len(*ev.InputFull))
	}
	if !ev.InputTruncated {
		t.Fatalf("input_truncated = false for oversized input")
	}
	if ev.InputFullSizeBytes == nil || *ev.InputFullSizeBytes <= 16384 {
		t.Fatalf("input_full_size_bytes should report untruncated size, got %v", ev.InputFullSizeBytes)
	}
	if ev.Size.EventBytes > MaxEventBytes {
		t.Fatalf("event exceeds ceiling: %d", ev.Size.EventBytes)
	}
}

func TestBuildResultHonorsCeiling(t *testing.T) {
	e := testEngine()
	ev := BuildResult(e, ResultParams{
		Tool:      "render_matplotlib",
		ToolUseID: "toolu_3",
		Seq:       2,
		TsMs:      2000,
		StartedMs: 1500,
		Content:   []models.ContentBlock{models.TextBlock(strings.Repeat("stderr noise\n", 10000))},
	})

	if ev.Status != "ok" {
		t.Fatalf("status = %q, want ok", ev.Status)
	}
	if !ev.ResultTruncated {
		t.Fatalf("result_truncated = false for oversized result")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if len(raw) > MaxEventBytes {
		t.Fatalf("serialized event is %d bytes, ceiling %d", len(raw), MaxEventBytes)
	}
	if ev.DurationMs == nil || *ev.DurationMs != 500 {
		t.Fatalf("duration_ms = %v, want 500", ev.DurationMs)
	}
}

func TestBuildResultErrorStatusIsExplicit(t *testing.T) {
	e := testEngine()

	// A result whose text merely resembles a failure stays ok unless the
	// dispatcher says otherwise.
	ev := BuildResult(e, ResultParams{
		Tool: "classify_diagram", ToolUseID: "t1", Seq: 2, TsMs: 2,
		Content: []models.ContentBlock{models.TextBlock("render failed is a phrase I am quoting")},
	})
	if ev.Status != "ok" {
		t.Fatalf("status = %q, want ok", ev.Status)
	}

	ev = BuildResult(e, ResultParams{
		Tool: "render_tikz", ToolUseID: "t2", Seq: 2, TsMs: 2,
		Content: []models.ContentBlock{models.TextBlock("Render failed (tikz).")},
		IsError: true,
	})
	if ev.Status != "error" {
		t.Fatalf("status = %q, want error", ev.Status)
	}
}

func TestBuildResultDispatchError(t *testing.T) {
	e := testEngine()
	ev := BuildResult(e, ResultParams{
		Tool: "render_graphviz", ToolUseID: "t3", Seq: 4, TsMs: 9,
		DispatchErr: errors.New("dot binary not found"),
	})
	if ev.Status != "error" {
		t.Fatalf("status = %q, want error", ev.Status)
	}
	if ev.Error == nil || ev.Error.Message != "dot binary not found" {
		t.Fatalf("error object = %+v", ev.Error)
	}
	if ev.ResultSummary == nil || !strings.HasPrefix(*ev.ResultSummary, "Tool failed: ") {
		t.Fatalf("result_summary = %v", ev.ResultSummary)
	}
}

func TestProjectResultTextWithholdsBinary(t *testing.T) {
	imageData := strings.Repeat("QUJD", 300) // base64 for repeated "ABC"
	blocks := []models.ContentBlock{
		models.ImageBlock("image/png", imageData),
		models.TextBlock("Rendered successfully using tikz. Examine the image above carefully."),
	}
	text, ok, artifacts := ProjectResultText(blocks)
	if !ok {
		t.Fatalf("expected text projection")
	}
	if strings.Contains(text, "QUJD") {
		t.Fatalf("binary payload leaked into text: %q", text)
	}
	if !artifacts.HasBinary || len(artifacts.Omitted) != 1 {
		t.Fatalf("artifacts = %+v", artifacts)
	}
	m := artifacts.Omitted[0]
	if m.Kind != "image/png" || m.Reason != "binary_not_streamed" {
		t.Fatalf("manifest = %+v", m)
	}
	if m.SizeBytes != len(imageData)/4*3 {
		t.Fatalf("size_bytes = %d, want %d", m.SizeBytes, len(imageData)/4*3)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "run-123")

	e := testEngine()
	w.Append(BuildStart(e, "render_tikz", "toolu_1", map[string]any{"code": "x"}, 1, 10))
	w.Append(BuildResult(e, ResultParams{
		Tool: "render_tikz", ToolUseID: "toolu_1", Seq: 2, TsMs: 20, StartedMs: 10,
		Content: []models.ContentBlock{models.TextBlock("ok")},
	}))

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if r.Header().RunID != "run-123" {
		t.Fatalf("header run_id = %q", r.Header().RunID)
	}
	events, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq >= events[1].Seq {
		t.Fatalf("start seq %d not before result seq %d", events[0].Seq, events[1].Seq)
	}
}

func TestReaderRejectsRegressedSequence(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "run-bad")
	e := testEngine()
	w.Append(BuildStart(e, "a", "t1", map[string]any{}, 3, 1))
	w.Append(BuildStart(e, "b", "t2", map[string]any{}, 2, 2))

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if _, err := r.ReadAll(); err == nil {
		t.Fatalf("expected sequence validation error")
	}
}
