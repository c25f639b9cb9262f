// Package plan models multi-step work the orchestrator drafts in plan mode
// and later executes step by step through sub-agents.
package plan

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/internal/idgen"
	"github.com/atelierhq/atelier/internal/runs"
	"github.com/atelierhq/atelier/internal/state"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type Step struct {
	ID          string     `json:"id"`
	Kind        runs.Kind  `json:"kind"`
	Description string     `json:"description"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      StepStatus `json:"status"`
	RunID       string     `json:"run_id,omitempty"`
}

type Plan struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	Status    Status `json:"status"`
	Steps     []Step `json:"steps"`
}

// Registry persists plans and enforces step shape on save.
type Registry struct {
	store *state.Store
}

func NewRegistry(store *state.Store) *Registry {
	return &Registry{store: store}
}

// Save validates and persists a plan, minting ids for plan and steps that
// lack one. Dependencies must name steps inside the same plan.
func (r *Registry) Save(ctx context.Context, p Plan) (Plan, error) {
	if p.ProjectID == "" {
		return Plan{}, fmt.Errorf("save plan: project id is empty")
	}
	if len(p.Steps) == 0 {
		return Plan{}, fmt.Errorf("save plan: no steps")
	}
	if p.ID == "" {
		p.ID = "plan-" + idgen.New()
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	ids := map[string]bool{}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = fmt.Sprintf("%s-step-%d", p.ID, i+1)
		}
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = StepPending
		}
		if !runs.ValidKind(p.Steps[i].Kind) || p.Steps[i].Kind == runs.KindOrchestrator {
			return Plan{}, fmt.Errorf("save plan: step %s has invalid kind %q", p.Steps[i].ID, p.Steps[i].Kind)
		}
		ids[p.Steps[i].ID] = true
	}
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return Plan{}, fmt.Errorf("save plan: step %s depends on unknown step %q", step.ID, dep)
			}
		}
	}
	if err := r.store.SavePlan(ctx, toRecord(p)); err != nil {
		return Plan{}, fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	return p, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Plan, error) {
	rec, err := r.store.GetPlan(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	return fromRecord(rec), nil
}

func (r *Registry) List(ctx context.Context, projectID string) ([]Plan, error) {
	records, err := r.store.ListPlans(ctx, projectID)
	if err != nil {
		return nil, err
	}
	plans := make([]Plan, 0, len(records))
	for _, rec := range records {
		plans = append(plans, fromRecord(rec))
	}
	return plans, nil
}

func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	return r.store.UpdatePlanStatus(ctx, id, string(status))
}

func (r *Registry) SetStepStatus(ctx context.Context, stepID string, status StepStatus, runID string) error {
	return r.store.UpdatePlanStepStatus(ctx, stepID, string(status), runID)
}

func toRecord(p Plan) state.PlanRecord {
	rec := state.PlanRecord{
		ID:        p.ID,
		ProjectID: p.ProjectID,
		Title:     p.Title,
		Summary:   p.Summary,
		Status:    string(p.Status),
	}
	for _, step := range p.Steps {
		rec.Steps = append(rec.Steps, state.PlanStepRecord{
			ID:          step.ID,
			Kind:        string(step.Kind),
			Description: step.Description,
			DependsOn:   step.DependsOn,
			Status:      string(step.Status),
			RunID:       step.RunID,
		})
	}
	return rec
}

func fromRecord(rec state.PlanRecord) Plan {
	p := Plan{
		ID:        rec.ID,
		ProjectID: rec.ProjectID,
		Title:     rec.Title,
		Summary:   rec.Summary,
		Status:    Status(rec.Status),
	}
	for _, step := range rec.Steps {
		p.Steps = append(p.Steps, Step{
			ID:          step.ID,
			Kind:        runs.Kind(step.Kind),
			Description: step.Description,
			DependsOn:   step.DependsOn,
			Status:      StepStatus(step.Status),
			RunID:       step.RunID,
		})
	}
	return p
}
