package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atelierhq/atelier/internal/idgen"
)

// ProjectMetadata is the configurable identity of a project, formatted into
// prompt context by the project service.
type ProjectMetadata struct {
	Name         string   `json:"name"`
	Purpose      string   `json:"purpose,omitempty"`
	Language     string   `json:"language,omitempty"`
	Architecture string   `json:"architecture,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	AvoidPaths   []string `json:"avoid_paths,omitempty"`
	Conventions  []string `json:"conventions,omitempty"`
	Services     []string `json:"services,omitempty"`
	TechStack    []string `json:"tech_stack,omitempty"`
	WorkspaceDir string   `json:"workspace_dir,omitempty"`
}

type ProjectRecord struct {
	ID        string
	Metadata  ProjectMetadata
	Summary   string
	SessionID string
	UpdatedAt time.Time
}

func (s *Store) SaveProject(ctx context.Context, id string, meta ProjectMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	return execWithRetry(ctx, s.db, `
		INSERT INTO projects (id, metadata, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata, updated_at = excluded.updated_at
	`, id, string(data), time.Now().UTC().Format(time.RFC3339Nano))
}

func (s *Store) GetProject(ctx context.Context, id string) (ProjectRecord, error) {
	var rec ProjectRecord
	var metadataStr, summary, sessionID sql.NullString
	var updatedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, metadata, summary, session_id, updated_at FROM projects WHERE id = ?
	`, id).Scan(&rec.ID, &metadataStr, &summary, &sessionID, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectRecord{}, fmt.Errorf("project %s: %w", id, errNotFound)
	}
	if err != nil {
		return ProjectRecord{}, fmt.Errorf("load project: %w", err)
	}
	if metadataStr.Valid {
		_ = json.Unmarshal([]byte(metadataStr.String), &rec.Metadata)
	}
	rec.Summary = summary.String
	rec.SessionID = sessionID.String
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return rec, nil
}

func (s *Store) SetSessionID(ctx context.Context, projectID, sessionID string) error {
	return s.upsertProjectField(ctx, projectID, "session_id", sessionID)
}

func (s *Store) GetSessionID(ctx context.Context, projectID string) (string, error) {
	var sessionID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM projects WHERE id = ?`, projectID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session id: %w", err)
	}
	return sessionID.String, nil
}

func (s *Store) SetSummary(ctx context.Context, projectID, summary string) error {
	return s.upsertProjectField(ctx, projectID, "summary", summary)
}

func (s *Store) GetSummary(ctx context.Context, projectID string) (string, error) {
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM projects WHERE id = ?`, projectID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load summary: %w", err)
	}
	return summary.String, nil
}

func (s *Store) upsertProjectField(ctx context.Context, projectID, column, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := fmt.Sprintf(`
		INSERT INTO projects (id, %s, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET %s = excluded.%s, updated_at = excluded.updated_at
	`, column, column, column)
	return execWithRetry(ctx, s.db, query, projectID, nullString(value), now)
}

func (s *Store) AddKnowledgeNote(ctx context.Context, projectID, content string) error {
	return execWithRetry(ctx, s.db, `
		INSERT INTO knowledge_notes (id, project_id, content, created_at) VALUES (?, ?, ?, ?)
	`, idgen.New(), projectID, content, time.Now().UTC().Format(time.RFC3339Nano))
}

// SearchKnowledge returns note contents matching the query, newest first.
func (s *Store) SearchKnowledge(ctx context.Context, projectID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM knowledge_notes
		WHERE project_id = ? AND content LIKE ?
		ORDER BY created_at DESC LIMIT ?
	`, projectID, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return out, nil
}
