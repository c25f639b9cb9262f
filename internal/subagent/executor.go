// Package subagent executes one delegated task through the engine,
// attributing everything the engine streams back to a single tracked run.
package subagent

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/atelierhq/atelier/internal/budget"
	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/prompt"
	"github.com/atelierhq/atelier/internal/runs"
	"github.com/atelierhq/atelier/internal/state"
)

// maxSummaryChars bounds the stored result digest.
const maxSummaryChars = 200

// Task describes one delegated piece of work. RunID may point at a run the
// caller already created (to surface pending state before dispatch); when
// empty the executor creates the run itself.
type Task struct {
	RunID           string
	Kind            runs.Kind
	TaskDescription string
	Overrides       prompt.Overrides
	Model           string
	Channel         runs.Channel
}

// Result is the terminal outcome of one delegated run.
type Result struct {
	RunID        string      `json:"run_id"`
	Kind         runs.Kind   `json:"kind"`
	ResponseText string      `json:"response_text"`
	CostUSD      float64     `json:"cost_usd"`
	Tokens       int         `json:"tokens"`
	Status       runs.Status `json:"status"`
}

// Executor drives a single sub-agent run end to end: context package,
// engine invocation, stream consumption, terminal bookkeeping.
type Executor struct {
	Engine      engine.Engine
	Registry    *runs.Registry
	Budget      *budget.Aggregator
	Builder     *prompt.Builder
	Bus         *eventbus.Bus
	Controllers *Controllers

	Model    string // default model when the task names none
	MaxTurns int
	WorkDir  string

	// ProjectTools is the project-settings tool surface. Only kinds that
	// edit the workspace receive it; everything else runs tool-less.
	ProjectTools []engine.ToolServer
}

// Run executes one task as a child of parentRunID. The returned error covers
// setup problems only; engine-level failure and cancellation are reported
// through Result.Status.
func (e *Executor) Run(ctx context.Context, task Task, projectID, parentRunID string) (Result, error) {
	if task.Kind == runs.KindOrchestrator {
		return Result{}, fmt.Errorf("subagent: cannot delegate an orchestrator run")
	}

	run, err := e.obtainRun(ctx, task, projectID, parentRunID)
	if err != nil {
		return Result{}, err
	}

	pkg := e.Builder.Build(ctx, projectID, string(run.Channel), task.Kind, task.TaskDescription, task.Overrides)
	e.Registry.SetContextSections(ctx, run.ID, toStateSections(pkg.Sections))
	e.Bus.Publish(eventbus.Event{
		Stream:    eventbus.StreamSystem,
		ProjectID: projectID,
		RunID:     run.ID,
		Channel:   string(run.Channel),
		Subject:   "context",
		Payload:   map[string]any{"sections": pkg.Sections},
	})

	// The child context observes the parent's cancellation; cancelling the
	// child never touches the parent.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.Controllers.Register(run.ID, cancel)
	defer e.Controllers.Remove(run.ID)

	messages, err := e.Engine.Execute(runCtx, pkg.Instructions, e.engineOptions(task))
	if err != nil {
		return e.finish(ctx, run, "", engine.Usage{}, e.classifyError(runCtx, err)), nil
	}

	var buffer strings.Builder
	for msg := range messages {
		switch m := msg.(type) {
		case engine.Delta:
			buffer.WriteString(m.Text)
			e.Bus.Publish(eventbus.Event{
				Stream:    eventbus.StreamToken,
				ProjectID: projectID,
				RunID:     run.ID,
				Channel:   string(run.Channel),
				Payload:   map[string]any{"text": m.Text},
			})
		case engine.Assistant:
			if m.Text != "" {
				buffer.Reset()
				buffer.WriteString(m.Text)
			}
			e.Bus.Publish(eventbus.Event{
				Stream:    eventbus.StreamMessage,
				ProjectID: projectID,
				RunID:     run.ID,
				Channel:   string(run.Channel),
				Payload:   map[string]any{"role": "assistant", "text": m.Text},
			})
		case engine.System:
			log.Printf("subagent: run %s engine %s: %s", run.ID, m.Subtype, m.Text)
		case engine.Result:
			status := runs.StatusCompleted
			if m.Err {
				status = runs.StatusFailed
			}
			if m.Text != "" {
				buffer.Reset()
				buffer.WriteString(m.Text)
			}
			return e.finish(ctx, run, buffer.String(), m.Usage, status), nil
		}
	}

	// Stream closed without a result: cancellation if either signal fired,
	// otherwise the engine died mid-stream.
	if runCtx.Err() != nil {
		return e.finish(ctx, run, buffer.String(), engine.Usage{}, runs.StatusInterrupted), nil
	}
	return e.finish(ctx, run, buffer.String(), engine.Usage{}, runs.StatusFailed), nil
}

func (e *Executor) obtainRun(ctx context.Context, task Task, projectID, parentRunID string) (runs.Run, error) {
	if task.RunID != "" {
		run, ok := e.Registry.Get(task.RunID)
		if !ok {
			return runs.Run{}, fmt.Errorf("subagent: pre-created run %s not found", task.RunID)
		}
		return run, nil
	}
	return e.Registry.Create(ctx, projectID, task.Kind, runs.CreateOptions{
		Channel:         task.Channel,
		ParentRunID:     parentRunID,
		TaskDescription: task.TaskDescription,
		Model:           e.modelFor(task),
	})
}

func (e *Executor) engineOptions(task Task) engine.Options {
	opts := engine.Options{
		Model:    e.modelFor(task),
		MaxTurns: e.MaxTurns,
		WorkDir:  e.WorkDir,
	}
	switch task.Kind {
	case runs.KindImplementer, runs.KindTestRunner:
		opts.ToolServers = e.ProjectTools
		opts.PermissionMode = "acceptEdits"
	default:
		opts.PermissionMode = "default"
	}
	return opts
}

func (e *Executor) modelFor(task Task) string {
	if task.Model != "" {
		return task.Model
	}
	return e.Model
}

// classifyError decides how an engine invocation error terminates the run.
// An error raised while a cancellation signal is set is the cancellation
// surfacing, not a task failure.
func (e *Executor) classifyError(runCtx context.Context, err error) runs.Status {
	if runCtx.Err() != nil {
		return runs.StatusInterrupted
	}
	log.Printf("subagent: engine invocation failed: %v", err)
	return runs.StatusFailed
}

// finish applies terminal bookkeeping. Partial response text is persisted
// on every path, including interruption.
func (e *Executor) finish(ctx context.Context, run runs.Run, text string, usage engine.Usage, status runs.Status) Result {
	if text != "" {
		e.Registry.SetResponseText(ctx, run.ID, text)
	}
	if usage != (engine.Usage{}) {
		e.Registry.AddUsage(ctx, run.ID, usage)
		e.Budget.Record(ctx, run.ProjectID, run.ID, string(run.Kind), usage)
	}
	e.Registry.UpdateStatus(ctx, run.ID, status, Summarize(text))

	final, _ := e.Registry.Get(run.ID)
	return Result{
		RunID:        run.ID,
		Kind:         run.Kind,
		ResponseText: text,
		CostUSD:      final.CostUSD,
		Tokens:       final.Tokens,
		Status:       status,
	}
}

// Summarize digests response text into a bounded single-line summary.
func Summarize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if r := []rune(text); len(r) > maxSummaryChars {
		text = string(r[:maxSummaryChars]) + "…"
	}
	return text
}

func toStateSections(sections []prompt.Section) []state.Section {
	out := make([]state.Section, 0, len(sections))
	for _, s := range sections {
		out = append(out, state.Section{Name: s.Name, Included: s.Included, Content: s.Content})
	}
	return out
}
