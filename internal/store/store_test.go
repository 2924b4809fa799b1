package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "conduit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSessionCreateGetUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	workspace, err := store.Workspaces().Create(ctx, Workspace{Name: "api", Path: "/src/api"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	created, err := store.Sessions().Create(ctx, SessionRecord{
		AgentType:   "claude",
		WorkspaceID: &workspace.ID,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("expected generated session id")
	}

	loaded, err := store.Sessions().GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.AgentType != "claude" || loaded.AgentSessionID != "" {
		t.Fatalf("unexpected record: %#v", loaded)
	}
	if loaded.WorkspaceID == nil || *loaded.WorkspaceID != workspace.ID {
		t.Fatalf("expected workspace %s, got %v", workspace.ID, loaded.WorkspaceID)
	}

	loaded.AgentSessionID = "vendor-42"
	loaded.Model = "sonnet"
	if err := store.Sessions().Update(ctx, loaded); err != nil {
		t.Fatalf("update session: %v", err)
	}
	updated, err := store.Sessions().GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get updated session: %v", err)
	}
	if updated.AgentSessionID != "vendor-42" || updated.Model != "sonnet" {
		t.Fatalf("expected update to persist, got %#v", updated)
	}
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		t.Fatalf("expected updated_at >= created_at, got %v < %v", updated.UpdatedAt, updated.CreatedAt)
	}
}

func TestSessionMissingIsNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Sessions().GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Sessions().Update(ctx, SessionRecord{ID: uuid.New(), AgentType: "codex"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestSessionListFiltersByWorkspace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Workspaces().Create(ctx, Workspace{Name: "one", Path: "/one"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	second, err := store.Workspaces().Create(ctx, Workspace{Name: "two", Path: "/two"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	for _, workspaceID := range []uuid.UUID{first.ID, first.ID, second.ID} {
		id := workspaceID
		if _, err := store.Sessions().Create(ctx, SessionRecord{AgentType: "gemini", WorkspaceID: &id}); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	all, err := store.Sessions().List(ctx, nil)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	scoped, err := store.Sessions().List(ctx, &first.ID)
	if err != nil {
		t.Fatalf("list scoped sessions: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 sessions for first workspace, got %d", len(scoped))
	}
}

func TestWorkspaceArchiveHidesFromList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	kept, err := store.Workspaces().Create(ctx, Workspace{Name: "kept", Path: "/kept", Branch: "main"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	archived, err := store.Workspaces().Create(ctx, Workspace{Name: "old", Path: "/old"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if err := store.Workspaces().Archive(ctx, archived.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := store.Workspaces().Archive(ctx, archived.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second archive, got %v", err)
	}

	active, err := store.Workspaces().List(ctx, false)
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}
	if len(active) != 1 || active[0].ID != kept.ID || active[0].Branch != "main" {
		t.Fatalf("expected only kept workspace, got %#v", active)
	}

	everything, err := store.Workspaces().List(ctx, true)
	if err != nil {
		t.Fatalf("list all workspaces: %v", err)
	}
	if len(everything) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(everything))
	}

	loaded, err := store.Workspaces().GetByID(ctx, archived.ID)
	if err != nil {
		t.Fatalf("get archived workspace: %v", err)
	}
	if loaded.ArchivedAt == nil {
		t.Fatal("expected archived_at to be set")
	}
}

func TestWorkspaceCreateRequiresPath(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Workspaces().Create(context.Background(), Workspace{Name: "nope"}); err == nil {
		t.Fatal("expected error for empty workspace path")
	}
	if _, err := store.Workspaces().GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
