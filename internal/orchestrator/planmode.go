package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/runs"
	"github.com/atelierhq/atelier/internal/subagent"
)

// HandlePlanMessage is HandleMessage on the plan channel: drafting
// conversation, no step execution.
func (o *Orchestrator) HandlePlanMessage(ctx context.Context, projectID, content string, opts MessageOptions) (runs.Run, error) {
	return o.HandleMessage(ctx, projectID, runs.ChannelPlan, content, opts)
}

// SavePlan validates and stores a drafted plan.
func (o *Orchestrator) SavePlan(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	if err := o.checkPreconditions(ctx, p.ProjectID, runs.ChannelPlan); err != nil {
		return plan.Plan{}, err
	}
	return o.Plans.Save(ctx, p)
}

// ApprovePlan executes a saved plan step by step. A step starts only after
// every declared dependency has completed; a failed or interrupted
// dependency skips its dependents. The budget cap is consulted before each
// step but only ever produces an advisory system event.
func (o *Orchestrator) ApprovePlan(ctx context.Context, planID string) (plan.Plan, error) {
	p, err := o.Plans.Get(ctx, planID)
	if err != nil {
		return plan.Plan{}, err
	}
	if p.Status != plan.StatusDraft && p.Status != plan.StatusApproved {
		return plan.Plan{}, fmt.Errorf("plan %s is %s, not executable", planID, p.Status)
	}
	if err := o.checkPreconditions(ctx, p.ProjectID, runs.ChannelPlan); err != nil {
		return plan.Plan{}, err
	}
	if err := o.Plans.SetStatus(ctx, planID, plan.StatusExecuting); err != nil {
		log.Printf("orchestrator: mark plan %s executing: %v", planID, err)
	}
	p.Status = plan.StatusExecuting

	root, createdRoot, err := o.planRoot(ctx, p.ProjectID)
	if err != nil {
		return plan.Plan{}, err
	}

	stepStatus := map[string]plan.StepStatus{}
	for i := range p.Steps {
		step := &p.Steps[i]
		if o.planCancelled(ctx, planID) {
			step.Status = plan.StepSkipped
			stepStatus[step.ID] = step.Status
			if err := o.Plans.SetStepStatus(ctx, step.ID, step.Status, ""); err != nil {
				log.Printf("orchestrator: persist step %s: %v", step.ID, err)
			}
			continue
		}
		if blocked, reason := blockedBy(step.DependsOn, stepStatus); blocked {
			step.Status = plan.StepSkipped
			stepStatus[step.ID] = step.Status
			if err := o.Plans.SetStepStatus(ctx, step.ID, step.Status, ""); err != nil {
				log.Printf("orchestrator: persist step %s: %v", step.ID, err)
			}
			log.Printf("orchestrator: plan %s step %s skipped: dependency %s", planID, step.ID, reason)
			continue
		}

		if o.Budget.Exhausted(p.ProjectID) {
			o.Bus.Publish(eventbus.Event{
				Stream:    eventbus.StreamSystem,
				ProjectID: p.ProjectID,
				Channel:   string(runs.ChannelPlan),
				Subject:   "budget-exhausted",
				Payload:   map[string]any{"plan_id": planID, "step_id": step.ID},
			})
		}

		// The run is created before dispatch so the step's run id is
		// visible (and cancellable) while the step executes.
		stepRun, err := o.Registry.Create(ctx, p.ProjectID, step.Kind, runs.CreateOptions{
			Channel:         runs.ChannelPlan,
			ParentRunID:     root.ID,
			TaskDescription: step.Description,
		})
		if err != nil {
			step.Status = plan.StepFailed
			stepStatus[step.ID] = step.Status
			if perr := o.Plans.SetStepStatus(ctx, step.ID, step.Status, ""); perr != nil {
				log.Printf("orchestrator: persist step %s: %v", step.ID, perr)
			}
			log.Printf("orchestrator: plan %s step %s: %v", planID, step.ID, err)
			continue
		}
		step.RunID = stepRun.ID
		step.Status = plan.StepRunning
		if err := o.Plans.SetStepStatus(ctx, step.ID, step.Status, step.RunID); err != nil {
			log.Printf("orchestrator: persist step %s: %v", step.ID, err)
		}

		result, err := o.Executor.Run(ctx, subagent.Task{
			RunID:           stepRun.ID,
			Kind:            step.Kind,
			TaskDescription: step.Description,
			Channel:         runs.ChannelPlan,
		}, p.ProjectID, root.ID)
		if err != nil {
			step.Status = plan.StepFailed
			stepStatus[step.ID] = step.Status
			o.Registry.UpdateStatus(ctx, stepRun.ID, runs.StatusFailed, "")
			if perr := o.Plans.SetStepStatus(ctx, step.ID, step.Status, step.RunID); perr != nil {
				log.Printf("orchestrator: persist step %s: %v", step.ID, perr)
			}
			log.Printf("orchestrator: plan %s step %s: %v", planID, step.ID, err)
			continue
		}

		step.Status = stepStatusFor(result.Status)
		stepStatus[step.ID] = step.Status
		if err := o.Plans.SetStepStatus(ctx, step.ID, step.Status, step.RunID); err != nil {
			log.Printf("orchestrator: persist step %s: %v", step.ID, err)
		}
	}

	p.Status = planOutcome(p.Steps)
	if o.planCancelled(ctx, planID) {
		// CancelPlan won the race; the cancelled status stands.
		p.Status = plan.StatusCancelled
	} else if err := o.Plans.SetStatus(ctx, planID, p.Status); err != nil {
		log.Printf("orchestrator: persist plan %s status: %v", planID, err)
	}
	if createdRoot {
		status := runs.StatusCompleted
		if p.Status != plan.StatusCompleted {
			status = runs.StatusFailed
		}
		o.Registry.UpdateStatus(ctx, root.ID, status, fmt.Sprintf("plan %s %s", planID, p.Status))
	}
	return p, nil
}

// ExecuteSavedPlan re-runs an approved plan by id.
func (o *Orchestrator) ExecuteSavedPlan(ctx context.Context, planID string) (plan.Plan, error) {
	return o.ApprovePlan(ctx, planID)
}

// CancelPlan marks a plan cancelled and interrupts any of its runs that are
// still in flight.
func (o *Orchestrator) CancelPlan(ctx context.Context, planID string) error {
	p, err := o.Plans.Get(ctx, planID)
	if err != nil {
		return err
	}
	for _, step := range p.Steps {
		if step.RunID != "" {
			o.Controllers.Cancel(step.RunID)
		}
	}
	return o.Plans.SetStatus(ctx, planID, plan.StatusCancelled)
}

func (o *Orchestrator) planCancelled(ctx context.Context, planID string) bool {
	cur, err := o.Plans.Get(ctx, planID)
	return err == nil && cur.Status == plan.StatusCancelled
}

// planRoot returns the plan channel's orchestrator run, creating one if the
// plan is executed without a prior drafting conversation.
func (o *Orchestrator) planRoot(ctx context.Context, projectID string) (runs.Run, bool, error) {
	tree := o.Registry.Tree(projectID, runs.ChannelPlan)
	if tree.Root != nil && !runs.IsTerminal(tree.Root.Status) {
		return *tree.Root, false, nil
	}
	run, err := o.Registry.Create(ctx, projectID, runs.KindOrchestrator, runs.CreateOptions{
		Channel: runs.ChannelPlan,
	})
	return run, err == nil, err
}

func blockedBy(deps []string, status map[string]plan.StepStatus) (bool, string) {
	for _, dep := range deps {
		if status[dep] != plan.StepCompleted {
			return true, dep
		}
	}
	return false, ""
}

func stepStatusFor(status runs.Status) plan.StepStatus {
	if status == runs.StatusCompleted {
		return plan.StepCompleted
	}
	return plan.StepFailed
}

func planOutcome(steps []plan.Step) plan.Status {
	for _, step := range steps {
		if step.Status != plan.StepCompleted {
			return plan.StatusFailed
		}
	}
	return plan.StatusCompleted
}
