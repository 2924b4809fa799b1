package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the durable identity of a session. It outlives any agent
// process started for it. AgentSessionID is the vendor's own session id,
// used to resume.
type SessionRecord struct {
	ID             uuid.UUID  `json:"id"`
	AgentType      string     `json:"agent_type"`
	AgentSessionID string     `json:"agent_session_id,omitempty"`
	WorkspaceID    *uuid.UUID `json:"workspace_id,omitempty"`
	Model          string     `json:"model,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) Create(ctx context.Context, record SessionRecord) (SessionRecord, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_type, agent_session_id, workspace_id, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID.String(),
		record.AgentType,
		nullString(record.AgentSessionID),
		nullUUID(record.WorkspaceID),
		nullString(record.Model),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("create session %s: %w", record.ID, err)
	}
	return record, nil
}

func (s *SessionStore) GetByID(ctx context.Context, id uuid.UUID) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, agent_session_id, workspace_id, model, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		id.String(),
	)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return record, nil
}

// Update writes every mutable column of record and bumps updated_at.
func (s *SessionStore) Update(ctx context.Context, record SessionRecord) error {
	record.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET agent_type = ?, agent_session_id = ?, workspace_id = ?, model = ?, updated_at = ?
		 WHERE id = ?`,
		record.AgentType,
		nullString(record.AgentSessionID),
		nullUUID(record.WorkspaceID),
		nullString(record.Model),
		formatTime(record.UpdatedAt),
		record.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", record.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", record.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", record.ID, ErrNotFound)
	}
	return nil
}

// List returns sessions newest first, optionally limited to one workspace.
func (s *SessionStore) List(ctx context.Context, workspaceID *uuid.UUID) ([]SessionRecord, error) {
	query := `SELECT id, agent_type, agent_session_id, workspace_id, model, created_at, updated_at FROM sessions`
	var args []any
	if workspaceID != nil {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID.String())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		id             string
		agentType      string
		agentSessionID sql.NullString
		workspaceID    sql.NullString
		model          sql.NullString
		createdAt      string
		updatedAt      string
	)
	if err := row.Scan(&id, &agentType, &agentSessionID, &workspaceID, &model, &createdAt, &updatedAt); err != nil {
		return SessionRecord{}, err
	}
	record := SessionRecord{
		AgentType:      agentType,
		AgentSessionID: nullStringValue(agentSessionID),
		Model:          nullStringValue(model),
	}
	var err error
	if record.ID, err = uuid.Parse(id); err != nil {
		return SessionRecord{}, err
	}
	if record.WorkspaceID, err = parseNullUUID(workspaceID); err != nil {
		return SessionRecord{}, err
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return SessionRecord{}, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return SessionRecord{}, err
	}
	return record, nil
}
