package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PlanRecord struct {
	ID        string
	ProjectID string
	Title     string
	Summary   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Steps     []PlanStepRecord
}

type PlanStepRecord struct {
	ID          string
	Kind        string
	Description string
	DependsOn   []string
	Status      string
	RunID       string
}

func (s *Store) SavePlan(ctx context.Context, rec PlanRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin plan tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plans (id, project_id, title, summary, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, summary = excluded.summary,
			status = excluded.status, updated_at = excluded.updated_at
	`, rec.ID, rec.ProjectID, rec.Title, nullString(rec.Summary), rec.Status, now, now); err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_steps WHERE plan_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear plan steps: %w", err)
	}
	for i, step := range rec.Steps {
		depends, err := json.Marshal(step.DependsOn)
		if err != nil {
			return fmt.Errorf("encode depends_on: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_steps (id, plan_id, position, kind, description, depends_on, status, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, step.ID, rec.ID, i, step.Kind, step.Description, string(depends), step.Status, nullString(step.RunID)); err != nil {
			return fmt.Errorf("insert plan step: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (PlanRecord, error) {
	var rec PlanRecord
	var summary sql.NullString
	var createdAtStr, updatedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, summary, status, created_at, updated_at FROM plans WHERE id = ?
	`, id).Scan(&rec.ID, &rec.ProjectID, &rec.Title, &summary, &rec.Status, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRecord{}, fmt.Errorf("plan %s: %w", id, errNotFound)
	}
	if err != nil {
		return PlanRecord{}, fmt.Errorf("load plan: %w", err)
	}
	rec.Summary = summary.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, description, depends_on, status, run_id
		FROM plan_steps WHERE plan_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("list plan steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step PlanStepRecord
		var depends, runID sql.NullString
		if err := rows.Scan(&step.ID, &step.Kind, &step.Description, &depends, &step.Status, &runID); err != nil {
			return PlanRecord{}, fmt.Errorf("scan plan step: %w", err)
		}
		if depends.Valid && depends.String != "" {
			_ = json.Unmarshal([]byte(depends.String), &step.DependsOn)
		}
		step.RunID = runID.String
		rec.Steps = append(rec.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return PlanRecord{}, fmt.Errorf("iterate plan steps: %w", err)
	}
	return rec, nil
}

func (s *Store) ListPlans(ctx context.Context, projectID string) ([]PlanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM plans WHERE project_id = ? ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan plan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}

	out := make([]PlanRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) UpdatePlanStatus(ctx context.Context, id, status string) error {
	return execWithRetry(ctx, s.db, `UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), id)
}

func (s *Store) UpdatePlanStepStatus(ctx context.Context, stepID, status, runID string) error {
	return execWithRetry(ctx, s.db, `
		UPDATE plan_steps SET status = ?, run_id = COALESCE(?, run_id) WHERE id = ?
	`, status, nullString(runID), stepID)
}
