// Package sessions provides the durable SQLite-backed conversation store.
// Session metadata and message history live in the database; render images
// live as one PNG file per render under the session's directory. The store
// survives process crashes: anything reachable from the database can be
// reloaded, and render ids keep increasing across restarts.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/diagramd/pkg/models"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    messages_json TEXT NOT NULL,
    created_at TEXT NOT NULL,
    last_activity TEXT NOT NULL,
    current_render_id TEXT
);
CREATE TABLE IF NOT EXISTS renders (
    session_id TEXT NOT NULL,
    render_id TEXT NOT NULL,
    render_index INTEGER NOT NULL,
    file_path TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (session_id, render_id),
    UNIQUE (session_id, render_index),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`

// Store is the process-wide session store. All operations take a single
// lock; contention is acceptable because sessions are small and renders are
// written once.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	rootDir string
	ttl     time.Duration

	// nowFunc is swapped in tests to control expiry.
	nowFunc func() time.Time
}

// NewStore opens (or creates) the store under baseDir/sessions.
func NewStore(baseDir string, ttl time.Duration) (*Store, error) {
	rootDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.Join(rootDir, "sessions.sqlite3"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}

	return &Store{
		db:      db,
		rootDir: rootDir,
		ttl:     ttl,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.rootDir, sessionID)
}

func (s *Store) rendersDir(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "renders")
}

func serializeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", value, err)
	}
	return t, nil
}

// Create inserts a fresh empty session and returns it.
func (s *Store) Create(ctx context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	session := models.NewSession(id)
	session.CreatedAt = s.nowFunc()
	session.LastActivity = session.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, messages_json, created_at, last_activity, current_render_id)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, "[]", serializeTime(session.CreatedAt), serializeTime(session.LastActivity), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// Get loads a session with its full message history and render bytes.
func (s *Store) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, sessionID)
}

func (s *Store) getLocked(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT messages_json, created_at, last_activity, current_render_id
		FROM sessions WHERE id = ?`, sessionID)

	var messagesJSON, createdAtS, lastActivityS string
	var currentRenderID sql.NullString
	if err := row.Scan(&messagesJSON, &createdAtS, &lastActivityS, &currentRenderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	createdAt, err := parseTime(createdAtS)
	if err != nil {
		return nil, err
	}
	lastActivity, err := parseTime(lastActivityS)
	if err != nil {
		return nil, err
	}

	var messages []models.Message
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return nil, fmt.Errorf("decode message history: %w", err)
	}

	session := &models.Session{
		ID:           sessionID,
		Messages:     messages,
		Renders:      make(map[string][]byte),
		Traces:       make(map[string]*models.ToolTrace),
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
	}
	if currentRenderID.Valid {
		session.CurrentRenderID = currentRenderID.String
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT render_id, file_path
		FROM renders
		WHERE session_id = ?
		ORDER BY render_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load renders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var renderID, filePath string
		if err := rows.Scan(&renderID, &filePath); err != nil {
			return nil, fmt.Errorf("scan render row: %w", err)
		}
		// A missing file means a crash interrupted an earlier update; the
		// render is unavailable but its id stays claimed so new renders
		// never reuse it.
		session.RenderOrder = append(session.RenderOrder, renderID)
		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}
		session.Renders[renderID] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate renders: %w", err)
	}
	return session, nil
}

// Update persists the session's messages and any renders the database has
// not seen yet. Each new render's PNG file is written before its row is
// inserted, so a crash between the two leaves no dangling row. Re-running
// Update for already-indexed render ids is a no-op for those renders.
func (s *Store) Update(ctx context.Context, session *models.Session) error {
	session.Touch()

	s.mu.Lock()
	defer s.mu.Unlock()

	renderDir := s.rendersDir(session.ID)
	if err := os.MkdirAll(renderDir, 0o755); err != nil {
		return fmt.Errorf("create renders directory: %w", err)
	}

	existing := make(map[string]struct{})
	rows, err := s.db.QueryContext(ctx, `SELECT render_id FROM renders WHERE session_id = ?`, session.ID)
	if err != nil {
		return fmt.Errorf("list existing renders: %w", err)
	}
	for rows.Next() {
		var renderID string
		if err := rows.Scan(&renderID); err != nil {
			rows.Close()
			return fmt.Errorf("scan render id: %w", err)
		}
		existing[renderID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate render ids: %w", err)
	}
	rows.Close()

	for _, renderID := range session.RenderOrder {
		if _, ok := existing[renderID]; ok {
			continue
		}
		renderIndex, ok := models.RenderIndex(renderID)
		if !ok {
			continue
		}
		renderPath := filepath.Join(renderDir, renderID+".png")
		if err := os.WriteFile(renderPath, session.Renders[renderID], 0o644); err != nil {
			return fmt.Errorf("write render file: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO renders (session_id, render_id, render_index, file_path, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			session.ID, renderID, renderIndex, renderPath, serializeTime(s.nowFunc()),
		); err != nil {
			return fmt.Errorf("insert render row: %w", err)
		}
	}

	messagesJSON, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode message history: %w", err)
	}
	var currentRenderID any
	if session.CurrentRenderID != "" {
		currentRenderID = session.CurrentRenderID
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET messages_json = ?, created_at = ?, last_activity = ?, current_render_id = ?
		WHERE id = ?`,
		string(messagesJSON), serializeTime(session.CreatedAt), serializeTime(session.LastActivity),
		currentRenderID, session.ID,
	); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// Delete removes a session, its renders (by cascade), and its directory.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	_ = os.RemoveAll(s.sessionDir(sessionID))
	return nil
}

// Count returns the number of stored sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// CleanupExpired deletes sessions idle longer than the TTL and returns how
// many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, last_activity FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id, lastActivityS string
		if err := rows.Scan(&id, &lastActivityS); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan session row: %w", err)
		}
		lastActivity, err := parseTime(lastActivityS)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if now.Sub(lastActivity) > s.ttl {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate sessions: %w", err)
	}
	rows.Close()

	for _, id := range expired {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete expired session: %w", err)
		}
		_ = os.RemoveAll(s.sessionDir(id))
	}
	return len(expired), nil
}
