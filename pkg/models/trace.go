package models

// ToolTrace is the session-side mirror of a tool's trace telemetry, keyed by
// tool_use_id. The start record is written before dispatch; the result record
// replaces it when the tool finishes, carrying forward the input fields.
type ToolTrace struct {
	ToolUseID string `json:"tool_use_id"`
	Tool      string `json:"tool"`

	InputSummary         string `json:"input_summary,omitempty"`
	InputFullUntruncated string `json:"input_full_untruncated,omitempty"`

	// ResultOK is nil until the result record lands.
	ResultOK *bool  `json:"result_ok"`
	Status   string `json:"status,omitempty"`

	ResultTextUntruncated string `json:"result_text_untruncated,omitempty"`
	ResultSummary         string `json:"result_summary,omitempty"`

	StartedAtMs int64  `json:"started_at_ms"`
	EndedAtMs   *int64 `json:"ended_at_ms"`
	DurationMs  *int64 `json:"duration_ms"`

	Artifacts *ArtifactInfo `json:"artifacts,omitempty"`

	InputTruncated  bool `json:"input_truncated"`
	ResultTruncated bool `json:"result_truncated"`
	EventTruncated  bool `json:"event_truncated"`

	InputFullSizeBytes  *int `json:"input_full_size_bytes"`
	ResultTextSizeBytes *int `json:"result_text_size_bytes"`

	RedactionRules []string `json:"redaction_rules"`
}

// ArtifactInfo summarizes binary payloads that were withheld from a trace.
type ArtifactInfo struct {
	HasBinary bool               `json:"has_binary"`
	Omitted   []ArtifactManifest `json:"omitted"`
}

// ArtifactManifest describes one withheld binary block. Binary content is
// never inlined into trace telemetry; only this manifest survives.
type ArtifactManifest struct {
	Kind      string `json:"kind"`
	SizeBytes int    `json:"size_bytes"`
	Reason    string `json:"reason"`
}
