package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Workspace struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Branch     string     `json:"branch,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type WorkspaceStore struct {
	db *sql.DB
}

func (s *WorkspaceStore) Create(ctx context.Context, workspace Workspace) (Workspace, error) {
	if strings.TrimSpace(workspace.Path) == "" {
		return Workspace{}, fmt.Errorf("workspace path must not be empty")
	}
	if workspace.ID == uuid.Nil {
		workspace.ID = uuid.New()
	}
	if workspace.CreatedAt.IsZero() {
		workspace.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, path, branch, archived_at, created_at) VALUES (?, ?, ?, ?, NULL, ?)`,
		workspace.ID.String(),
		workspace.Name,
		workspace.Path,
		nullString(workspace.Branch),
		formatTime(workspace.CreatedAt),
	)
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace %s: %w", workspace.ID, err)
	}
	workspace.ArchivedAt = nil
	return workspace, nil
}

func (s *WorkspaceStore) GetByID(ctx context.Context, id uuid.UUID) (Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, branch, archived_at, created_at FROM workspaces WHERE id = ?`,
		id.String(),
	)
	workspace, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace %s: %w", id, err)
	}
	return workspace, nil
}

// List returns workspaces oldest first. Archived ones are skipped unless
// includeArchived is set.
func (s *WorkspaceStore) List(ctx context.Context, includeArchived bool) ([]Workspace, error) {
	query := `SELECT id, name, path, branch, archived_at, created_at FROM workspaces`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []Workspace
	for rows.Next() {
		workspace, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("list workspaces: %w", err)
		}
		workspaces = append(workspaces, workspace)
	}
	return workspaces, rows.Err()
}

func (s *WorkspaceStore) Archive(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
		formatTime(time.Now()),
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("archive workspace %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive workspace %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanWorkspace(row rowScanner) (Workspace, error) {
	var (
		id         string
		name       string
		path       string
		branch     sql.NullString
		archivedAt sql.NullString
		createdAt  string
	)
	if err := row.Scan(&id, &name, &path, &branch, &archivedAt, &createdAt); err != nil {
		return Workspace{}, err
	}
	workspace := Workspace{Name: name, Path: path, Branch: nullStringValue(branch)}
	var err error
	if workspace.ID, err = uuid.Parse(id); err != nil {
		return Workspace{}, err
	}
	if workspace.CreatedAt, err = parseTime(createdAt); err != nil {
		return Workspace{}, err
	}
	if archivedAt.Valid {
		archived, err := parseTime(archivedAt.String)
		if err != nil {
			return Workspace{}, err
		}
		workspace.ArchivedAt = &archived
	}
	return workspace, nil
}
