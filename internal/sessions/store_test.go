package sessions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/diagramd/pkg/models"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := NewStore(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	session, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(session.ID) != 32 {
		t.Fatalf("session id = %q, want 32 hex chars", session.ID)
	}

	session.Messages = append(session.Messages,
		models.UserMessage("draw a binary tree"),
		models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{models.TextBlock("working on it")}},
	)
	renderID := session.StoreRender([]byte("png-bytes-1"))
	if renderID != "v1" {
		t.Fatalf("StoreRender() = %q, want v1", renderID)
	}
	if err := store.Update(ctx, session); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	loaded, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(loaded.Messages))
	}
	if loaded.CurrentRenderID != "v1" {
		t.Fatalf("current render = %q, want v1", loaded.CurrentRenderID)
	}
	if string(loaded.Renders["v1"]) != "png-bytes-1" {
		t.Fatalf("render bytes = %q", loaded.Renders["v1"])
	}

	n, err := store.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v", n, err)
	}

	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, session.ID); err != ErrNotFound {
		t.Fatalf("Get() after delete = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(store.rootDir, session.ID)); !os.IsNotExist(err) {
		t.Fatalf("session directory survived delete")
	}
}

func TestUpdateIsIdempotentForRenders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	session, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	session.StoreRender([]byte("first"))

	if err := store.Update(ctx, session); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := store.Update(ctx, session); err != nil {
		t.Fatalf("second Update() error = %v", err)
	}

	var n int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM renders WHERE session_id = ?`, session.ID).Scan(&n); err != nil {
		t.Fatalf("count renders: %v", err)
	}
	if n != 1 {
		t.Fatalf("render rows = %d, want 1", n)
	}
}

func TestRenderIDsMonotoneAcrossReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := newTestStore(t, dir)
	session, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	session.StoreRender([]byte("a"))
	session.StoreRender([]byte("b"))
	if err := store.Update(ctx, session); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	store.Close()

	reopened := newTestStore(t, dir)
	loaded, err := reopened.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got := loaded.StoreRender([]byte("c")); got != "v3" {
		t.Fatalf("StoreRender() after reload = %q, want v3", got)
	}
	if err := reopened.Update(ctx, loaded); err != nil {
		t.Fatalf("Update() after reload error = %v", err)
	}

	final, err := reopened.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("final Get() error = %v", err)
	}
	want := []string{"v1", "v2", "v3"}
	if len(final.RenderOrder) != len(want) {
		t.Fatalf("render order = %v, want %v", final.RenderOrder, want)
	}
	for i, id := range want {
		if final.RenderOrder[i] != id {
			t.Fatalf("render order = %v, want %v", final.RenderOrder, want)
		}
	}
}

func TestMissingRenderFileKeepsIDClaimed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := newTestStore(t, dir)
	session, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	session.StoreRender([]byte("first"))
	if err := store.Update(ctx, session); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	store.Close()

	// Simulate a crash that lost the PNG but kept the row.
	renderPath := filepath.Join(dir, "sessions", session.ID, "renders", "v1.png")
	if err := os.Remove(renderPath); err != nil {
		t.Fatalf("remove render file: %v", err)
	}

	reopened := newTestStore(t, dir)
	loaded, err := reopened.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if _, ok := loaded.Renders["v1"]; ok {
		t.Fatalf("unreadable render v1 should have no bytes")
	}
	if len(loaded.RenderOrder) != 1 || loaded.RenderOrder[0] != "v1" {
		t.Fatalf("render order = %v, want [v1]", loaded.RenderOrder)
	}

	if got := loaded.StoreRender([]byte("second")); got != "v2" {
		t.Fatalf("StoreRender() = %q, want v2", got)
	}
	if err := reopened.Update(ctx, loaded); err != nil {
		t.Fatalf("Update() after reload error = %v", err)
	}

	final, err := reopened.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("final Get() error = %v", err)
	}
	if string(final.Renders["v2"]) != "second" {
		t.Fatalf("render v2 bytes = %q, want %q", final.Renders["v2"], "second")
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())
	store.ttl = time.Minute

	stale, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Create(ctx); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Fast-forward the clock past the TTL, then refresh one session so only
	// the stale one is removed.
	base := time.Now().UTC()
	store.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }

	fresh, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_ = fresh

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := store.Get(ctx, stale.ID); err != ErrNotFound {
		t.Fatalf("stale session survived cleanup: %v", err)
	}
	n, err := store.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Count() after cleanup = %d, %v", n, err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	if _, err := store.Get(context.Background(), "deadbeef"); err != ErrNotFound {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}
