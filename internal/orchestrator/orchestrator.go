// Package orchestrator owns the top-level run for each project and channel:
// it talks to the engine on the user's behalf, delegates to sub-agents, and
// folds results back into conversation history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/atelierhq/atelier/internal/budget"
	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/project"
	"github.com/atelierhq/atelier/internal/prompt"
	"github.com/atelierhq/atelier/internal/runs"
	"github.com/atelierhq/atelier/internal/state"
	"github.com/atelierhq/atelier/internal/subagent"
)

// Precondition errors, published on the error stream and returned typed so
// transports can map them to distinct responses.
var (
	ErrNoProject    = errors.New("no active project")
	ErrNoCredential = errors.New("no engine credential configured")
)

// maxSummarySourceChars bounds how much of an exchange feeds the rolling
// summary.
const maxSummarySourceChars = 400

// CredentialCheck reports whether the engine can authenticate. The daemon
// wires this to an API-key presence check.
type CredentialCheck func() bool

// MessageStore is the conversation slice of the state store.
type MessageStore interface {
	AppendMessage(ctx context.Context, projectID, channel, role, content string) (state.ChatMessage, error)
	GetSessionID(ctx context.Context, projectID string) (string, error)
	SetSessionID(ctx context.Context, projectID, sessionID string) error
}

// Orchestrator coordinates one engine conversation per (project, channel).
// Serialization of concurrent messages on one channel is the transport's
// job; this layer assumes at most one HandleMessage per channel at a time.
type Orchestrator struct {
	Engine      engine.Engine
	Registry    *runs.Registry
	Budget      *budget.Aggregator
	Builder     *prompt.Builder
	Bus         *eventbus.Bus
	Store       MessageStore
	Projects    *project.Service
	Plans       *plan.Registry
	Executor    *subagent.Executor
	Knowledge   interface{ Enqueue(projectID, reply string) }
	Controllers *subagent.Controllers
	Credential  CredentialCheck

	Model    string
	MaxTurns int
}

// MessageOptions tunes one HandleMessage call.
type MessageOptions struct {
	RunID     string // reuse a pre-created orchestrator run
	Model     string
	Overrides prompt.Overrides
}

func controllerKey(projectID string, channel runs.Channel) string {
	return projectID + "|" + string(channel)
}

// HandleMessage processes one user message on a channel: persist it, run
// the engine against the assembled context, stream everything out, and
// persist the reply. The returned run reflects the terminal state.
func (o *Orchestrator) HandleMessage(ctx context.Context, projectID string, channel runs.Channel, content string, opts MessageOptions) (runs.Run, error) {
	if err := o.checkPreconditions(ctx, projectID, channel); err != nil {
		return runs.Run{}, err
	}

	if _, err := o.Store.AppendMessage(ctx, projectID, string(channel), "user", content); err != nil {
		log.Printf("orchestrator: persist user message: %v", err)
	}

	run, err := o.obtainRun(ctx, projectID, channel, opts)
	if err != nil {
		return runs.Run{}, err
	}

	pkg := o.Builder.Build(ctx, projectID, string(channel), runs.KindOrchestrator, content, opts.Overrides)
	o.Registry.SetContextSections(ctx, run.ID, toStateSections(pkg.Sections))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := controllerKey(projectID, channel)
	o.Controllers.Register(key, cancel)
	defer o.Controllers.Remove(key)
	o.Controllers.Register(run.ID, cancel)
	defer o.Controllers.Remove(run.ID)

	sessionID, err := o.Store.GetSessionID(ctx, projectID)
	if err != nil {
		log.Printf("orchestrator: load session for %s: %v", projectID, err)
	}

	model := opts.Model
	if model == "" {
		model = o.Model
	}
	messages, err := o.Engine.Execute(runCtx, pkg.Instructions, engine.Options{
		Model:     model,
		SessionID: sessionID,
		MaxTurns:  o.MaxTurns,
	})
	if err != nil {
		status := runs.StatusFailed
		if runCtx.Err() != nil {
			status = runs.StatusInterrupted
		} else {
			o.publishError(projectID, run.ID, channel, fmt.Errorf("engine invocation: %w", err))
		}
		o.Registry.UpdateStatus(ctx, run.ID, status, "")
		return o.snapshot(run.ID), nil
	}

	result, text := o.consume(runCtx, projectID, run, channel, messages)
	switch {
	case result != nil && !result.Err:
		o.completeSuccess(ctx, projectID, channel, run, content, text, *result)
	case result != nil:
		o.publishError(projectID, run.ID, channel, fmt.Errorf("engine reported failure"))
		o.persistPartial(ctx, projectID, channel, run.ID, text)
		o.Registry.UpdateStatus(ctx, run.ID, runs.StatusFailed, subagent.Summarize(text))
	case runCtx.Err() != nil:
		o.persistPartial(ctx, projectID, channel, run.ID, text)
		o.Registry.UpdateStatus(ctx, run.ID, runs.StatusInterrupted, "")
	default:
		o.publishError(projectID, run.ID, channel, fmt.Errorf("engine stream ended without result"))
		o.persistPartial(ctx, projectID, channel, run.ID, text)
		o.Registry.UpdateStatus(ctx, run.ID, runs.StatusFailed, "")
	}
	return o.snapshot(run.ID), nil
}

func (o *Orchestrator) checkPreconditions(ctx context.Context, projectID string, channel runs.Channel) error {
	if o.Credential != nil && !o.Credential() {
		o.publishError(projectID, "", channel, ErrNoCredential)
		return ErrNoCredential
	}
	if projectID == "" || !o.Projects.Exists(ctx, projectID) {
		o.publishError(projectID, "", channel, ErrNoProject)
		return ErrNoProject
	}
	return nil
}

func (o *Orchestrator) obtainRun(ctx context.Context, projectID string, channel runs.Channel, opts MessageOptions) (runs.Run, error) {
	if opts.RunID != "" {
		run, ok := o.Registry.Get(opts.RunID)
		if !ok {
			return runs.Run{}, fmt.Errorf("orchestrator: pre-created run %s not found", opts.RunID)
		}
		return run, nil
	}
	return o.Registry.Create(ctx, projectID, runs.KindOrchestrator, runs.CreateOptions{
		Channel: channel,
		Model:   opts.Model,
	})
}

// consume drains the engine stream, broadcasting as it goes. It returns the
// terminal result (nil if the stream closed without one) and the
// accumulated text.
func (o *Orchestrator) consume(runCtx context.Context, projectID string, run runs.Run, channel runs.Channel, messages <-chan engine.Message) (*engine.Result, string) {
	var buffer strings.Builder
	for msg := range messages {
		switch m := msg.(type) {
		case engine.Delta:
			buffer.WriteString(m.Text)
			o.Bus.Publish(eventbus.Event{
				Stream:    eventbus.StreamToken,
				ProjectID: projectID,
				RunID:     run.ID,
				Channel:   string(channel),
				Payload:   map[string]any{"text": m.Text},
			})
		case engine.Assistant:
			if m.Text != "" {
				buffer.Reset()
				buffer.WriteString(m.Text)
			}
			o.Bus.Publish(eventbus.Event{
				Stream:    eventbus.StreamMessage,
				ProjectID: projectID,
				RunID:     run.ID,
				Channel:   string(channel),
				Payload:   map[string]any{"role": "assistant", "text": m.Text},
			})
		case engine.System:
			log.Printf("orchestrator: run %s engine %s: %s", run.ID, m.Subtype, m.Text)
		case engine.Result:
			if m.Text != "" {
				buffer.Reset()
				buffer.WriteString(m.Text)
			}
			result := m
			return &result, buffer.String()
		}
	}
	return nil, buffer.String()
}

func (o *Orchestrator) completeSuccess(ctx context.Context, projectID string, channel runs.Channel, run runs.Run, userContent, text string, result engine.Result) {
	o.Registry.SetResponseText(ctx, run.ID, text)
	o.Registry.AddUsage(ctx, run.ID, result.Usage)
	o.Budget.Record(ctx, projectID, run.ID, string(run.Kind), result.Usage)
	o.Registry.UpdateStatus(ctx, run.ID, runs.StatusCompleted, subagent.Summarize(text))

	if result.SessionID != "" {
		if err := o.Store.SetSessionID(ctx, projectID, result.SessionID); err != nil {
			log.Printf("orchestrator: persist session for %s: %v", projectID, err)
		}
	}
	if _, err := o.Store.AppendMessage(ctx, projectID, string(channel), "assistant", text); err != nil {
		log.Printf("orchestrator: persist reply: %v", err)
	}
	o.updateSummary(ctx, projectID, userContent, text)
	if o.Knowledge != nil {
		o.Knowledge.Enqueue(projectID, text)
	}
}

func (o *Orchestrator) persistPartial(ctx context.Context, projectID string, channel runs.Channel, runID, text string) {
	if text == "" {
		return
	}
	o.Registry.SetResponseText(ctx, runID, text)
	if _, err := o.Store.AppendMessage(ctx, projectID, string(channel), "assistant", text); err != nil {
		log.Printf("orchestrator: persist partial reply: %v", err)
	}
}

// updateSummary folds the latest exchange into the project's rolling
// summary. It is deliberately cheap; the engine is not consulted.
func (o *Orchestrator) updateSummary(ctx context.Context, projectID, userContent, reply string) {
	entry := fmt.Sprintf("user: %s | assistant: %s", clip(userContent, maxSummarySourceChars/2), clip(reply, maxSummarySourceChars/2))
	prev, err := o.Projects.SessionSummary(ctx, projectID)
	if err != nil {
		log.Printf("orchestrator: read summary for %s: %v", projectID, err)
		prev = ""
	}
	lines := []string{}
	if prev != "" {
		lines = strings.Split(prev, "\n")
	}
	lines = append(lines, entry)
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	if err := o.Projects.SetSummary(ctx, projectID, strings.Join(lines, "\n")); err != nil {
		log.Printf("orchestrator: write summary for %s: %v", projectID, err)
	}
}

// Delegate runs one sub-agent task under the channel's current root run.
func (o *Orchestrator) Delegate(ctx context.Context, projectID string, channel runs.Channel, task subagent.Task) (subagent.Result, error) {
	tree := o.Registry.Tree(projectID, channel)
	if tree.Root == nil {
		return subagent.Result{}, fmt.Errorf("orchestrator: no root run for project %s channel %s", projectID, channel)
	}
	if task.Channel == "" {
		task.Channel = channel
	}
	return o.Executor.Run(ctx, task, projectID, tree.Root.ID)
}

// Interrupt cancels the active top-level execution for a channel. It
// reports whether anything was actually running.
func (o *Orchestrator) Interrupt(projectID string, channel runs.Channel) bool {
	return o.Controllers.Cancel(controllerKey(projectID, channel))
}

// InterruptRun cancels one run by id, leaving siblings and the parent
// untouched.
func (o *Orchestrator) InterruptRun(runID string) bool {
	return o.Controllers.Cancel(runID)
}

func (o *Orchestrator) publishError(projectID, runID string, channel runs.Channel, err error) {
	o.Bus.Publish(eventbus.Event{
		Stream:    eventbus.StreamError,
		ProjectID: projectID,
		RunID:     runID,
		Channel:   string(channel),
		Payload:   map[string]any{"error": err.Error()},
	})
}

func (o *Orchestrator) snapshot(runID string) runs.Run {
	run, _ := o.Registry.Get(runID)
	return run
}

func clip(text string, n int) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if r := []rune(text); len(r) > n {
		return string(r[:n]) + "…"
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
