package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/idgen"
)

// Store is the durable system of record. Callers treat every write as
// best-effort: errors are returned for logging, never enforced.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunRecord mirrors a registry run row.
type RunRecord struct {
	ID              string
	ProjectID       string
	Channel         string
	Kind            string
	ParentRunID     string
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationMs      *int64
	TaskDescription string
	ResultSummary   string
	ResponseText    string
	CostUSD         float64
	Tokens          int
	Model           string
}

// Section is one entry of a run's context-package inclusion report.
type Section struct {
	Name     string  `json:"name"`
	Included bool    `json:"included"`
	Content  *string `json:"content"`
}

func (s *Store) SaveRun(ctx context.Context, rec RunRecord) error {
	return execWithRetry(ctx, s.db, `
		INSERT INTO runs (id, project_id, channel, kind, parent_run_id, status, started_at, task_description, cost_usd, tokens, model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`, rec.ID, rec.ProjectID, rec.Channel, rec.Kind, nullString(rec.ParentRunID), rec.Status,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), nullString(rec.TaskDescription),
		rec.CostUSD, rec.Tokens, nullString(rec.Model))
}

func (s *Store) UpdateRunStatus(ctx context.Context, id, status, summary string, completedAt *time.Time, durationMs *int64) error {
	var completedStr any
	if completedAt != nil {
		completedStr = completedAt.UTC().Format(time.RFC3339Nano)
	}
	var duration any
	if durationMs != nil {
		duration = *durationMs
	}
	return execWithRetry(ctx, s.db, `
		UPDATE runs SET status = ?, result_summary = COALESCE(?, result_summary), completed_at = COALESCE(?, completed_at), duration_ms = COALESCE(?, duration_ms)
		WHERE id = ?
	`, status, nullString(summary), completedStr, duration, id)
}

func (s *Store) UpdateRunUsage(ctx context.Context, id string, costUSD float64, tokens int) error {
	return execWithRetry(ctx, s.db, `UPDATE runs SET cost_usd = ?, tokens = ? WHERE id = ?`, costUSD, tokens, id)
}

func (s *Store) SetRunResponse(ctx context.Context, id, text string) error {
	return execWithRetry(ctx, s.db, `UPDATE runs SET response_text = ? WHERE id = ?`, text, id)
}

func (s *Store) SaveRunSections(ctx context.Context, runID string, sections []Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sections tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_sections WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear sections: %w", err)
	}
	for i, sec := range sections {
		var content any
		if sec.Content != nil {
			content = *sec.Content
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_sections (run_id, position, name, included, content) VALUES (?, ?, ?, ?, ?)
		`, runID, i, sec.Name, boolInt(sec.Included), content); err != nil {
			return fmt.Errorf("insert section: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sections: %w", err)
	}
	return nil
}

func (s *Store) ListRunSections(ctx context.Context, runID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, included, content FROM run_sections WHERE run_id = ? ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var out []Section
	for rows.Next() {
		var sec Section
		var included int
		var content sql.NullString
		if err := rows.Scan(&sec.Name, &included, &content); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sec.Included = included != 0
		if content.Valid {
			v := content.String
			sec.Content = &v
		}
		out = append(out, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return out, nil
}

func (s *Store) ListRunsByProject(ctx context.Context, projectID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, channel, kind, parent_run_id, status, started_at, completed_at, duration_ms,
		       task_description, result_summary, response_text, cost_usd, tokens, model
		FROM runs WHERE project_id = ? ORDER BY started_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(rows *sql.Rows) (RunRecord, error) {
	var rec RunRecord
	var parent, completedAt, taskDesc, summary, response, model sql.NullString
	var startedAt string
	var duration sql.NullInt64
	if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Channel, &rec.Kind, &parent, &rec.Status,
		&startedAt, &completedAt, &duration, &taskDesc, &summary, &response, &rec.CostUSD, &rec.Tokens, &model); err != nil {
		return RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			rec.CompletedAt = &parsed
		}
	}
	if duration.Valid {
		v := duration.Int64
		rec.DurationMs = &v
	}
	rec.ParentRunID = parent.String
	rec.TaskDescription = taskDesc.String
	rec.ResultSummary = summary.String
	rec.ResponseText = response.String
	rec.Model = model.String
	return rec, nil
}

// UsageTotals aggregates durable per-event usage rows over a time window.
type UsageTotals struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Events           int     `json:"events"`
}

func (s *Store) AppendUsageEvent(ctx context.Context, projectID, runID, kind string, usage engine.Usage) error {
	return execWithRetry(ctx, s.db, `
		INSERT INTO usage_events (id, project_id, run_id, kind, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, idgen.New(), projectID, runID, kind, usage.InputTokens, usage.OutputTokens,
		usage.CacheReadTokens, usage.CacheWriteTokens, usage.CostUSD,
		time.Now().UTC().Format(time.RFC3339Nano))
}

// Usage reports totals for a project within [since, until); zero times leave
// the corresponding bound open. Daily/weekly/monthly roll-ups are windows
// over the same per-event rows.
func (s *Store) Usage(ctx context.Context, projectID string, since, until time.Time) (UsageTotals, error) {
	query := `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		       COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_write_tokens),0),
		       COALESCE(SUM(cost_usd),0), COUNT(*)
		FROM usage_events WHERE project_id = ?`
	args := []any{projectID}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	if !until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, until.UTC().Format(time.RFC3339Nano))
	}

	var totals UsageTotals
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&totals.InputTokens, &totals.OutputTokens, &totals.CacheReadTokens,
		&totals.CacheWriteTokens, &totals.CostUSD, &totals.Events)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("usage totals: %w", err)
	}
	return totals, nil
}

// ActiveUsageProjects lists project ids with usage events in [since, now).
func (s *Store) ActiveUsageProjects(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT project_id FROM usage_events WHERE created_at >= ?
	`, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("active usage projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project ids: %w", err)
	}
	return out, nil
}

func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

var errNotFound = errors.New("not found")

// IsNotFound reports whether err is the store's missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
