package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session holds all state for one user conversation, including the full
// normalized message history, the render history, and the per-tool trace
// mirror used by diagnostics.
type Session struct {
	ID string `json:"id"`

	Messages []Message `json:"messages"`

	// Renders maps render id ("v1", "v2", ...) to PNG bytes. Bytes are
	// loaded from disk by the store; they never round-trip through
	// messages_json.
	Renders map[string][]byte `json:"-"`

	// RenderOrder preserves insertion order of render ids.
	RenderOrder []string `json:"-"`

	// CurrentRenderID names the most recent render, or "" when the session
	// has not rendered anything yet.
	CurrentRenderID string `json:"current_render_id,omitempty"`

	// Traces mirrors the latest trace record per tool_use_id. A result
	// record replaces the start record for the same id.
	Traces map[string]*ToolTrace `json:"traces,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// NewSession builds an empty session with the given id.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Renders:      make(map[string][]byte),
		Traces:       make(map[string]*ToolTrace),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// StoreRender persists a new render in memory and returns its id. Ids are
// "v1", "v2", ... and strictly increase for the life of the session, even
// across store reloads.
func (s *Session) StoreRender(imageBytes []byte) string {
	next := 1
	for _, id := range s.RenderOrder {
		if idx, ok := RenderIndex(id); ok && idx >= next {
			next = idx + 1
		}
	}
	renderID := fmt.Sprintf("v%d", next)
	if s.Renders == nil {
		s.Renders = make(map[string][]byte)
	}
	s.Renders[renderID] = imageBytes
	s.RenderOrder = append(s.RenderOrder, renderID)
	s.CurrentRenderID = renderID
	return renderID
}

// CurrentRender returns the bytes of the most recent render, or nil.
func (s *Session) CurrentRender() []byte {
	if s.CurrentRenderID == "" {
		return nil
	}
	return s.Renders[s.CurrentRenderID]
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now().UTC()
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivity) > ttl
}

// StoreTrace records or replaces the trace mirror entry for a tool_use_id.
func (s *Session) StoreTrace(t *ToolTrace) {
	if s.Traces == nil {
		s.Traces = make(map[string]*ToolTrace)
	}
	s.Traces[t.ToolUseID] = t
}

// RenderIndex parses the numeric index out of a render id ("v3" -> 3).
func RenderIndex(renderID string) (int, bool) {
	if !strings.HasPrefix(renderID, "v") {
		return 0, false
	}
	n, err := strconv.Atoi(renderID[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
