package runs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/idgen"
	"github.com/atelierhq/atelier/internal/state"
)

// RunStore is the slice of the state store the registry mirrors into.
type RunStore interface {
	SaveRun(ctx context.Context, rec state.RunRecord) error
	UpdateRunStatus(ctx context.Context, id, status, summary string, completedAt *time.Time, durationMs *int64) error
	UpdateRunUsage(ctx context.Context, id string, costUSD float64, tokens int) error
	SetRunResponse(ctx context.Context, id, text string) error
	SaveRunSections(ctx context.Context, runID string, sections []state.Section) error
	ListRunsByProject(ctx context.Context, projectID string) ([]state.RunRecord, error)
	ListRunSections(ctx context.Context, runID string) ([]state.Section, error)
}

// Registry holds every run started in this process. Reads and writes go
// through the in-memory map; the store mirror is written after the fact and
// failures there are logged, never surfaced.
type Registry struct {
	store RunStore
	bus   *eventbus.Bus
	now   func() time.Time

	mu        sync.RWMutex
	byID      map[string]*Run
	byProject map[string][]string // run ids in start order
}

func NewRegistry(store RunStore, bus *eventbus.Bus) *Registry {
	return &Registry{
		store:     store,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
		byID:      map[string]*Run{},
		byProject: map[string][]string{},
	}
}

// WithClock replaces the registry clock, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// CreateOptions carries the optional fields of a new run.
type CreateOptions struct {
	Channel         Channel
	ParentRunID     string
	TaskDescription string
	Model           string
}

// Create registers a new running run and announces it on the run stream.
// A non-empty parent must reference a live orchestrator run.
func (r *Registry) Create(ctx context.Context, projectID string, kind Kind, opts CreateOptions) (Run, error) {
	if projectID == "" {
		return Run{}, fmt.Errorf("create run: project id is empty")
	}
	if !ValidKind(kind) {
		return Run{}, fmt.Errorf("create run: unknown kind %q", kind)
	}
	channel := opts.Channel
	if channel == "" {
		channel = ChannelChat
	}

	r.mu.Lock()
	if opts.ParentRunID != "" {
		parent, ok := r.byID[opts.ParentRunID]
		if !ok {
			r.mu.Unlock()
			return Run{}, fmt.Errorf("create run: parent %s not found", opts.ParentRunID)
		}
		if parent.Kind != KindOrchestrator {
			r.mu.Unlock()
			return Run{}, fmt.Errorf("create run: parent %s is %s, not orchestrator", parent.ID, parent.Kind)
		}
	}
	run := &Run{
		ID:              idgen.RunID(string(kind)),
		ProjectID:       projectID,
		Channel:         channel,
		Kind:            kind,
		ParentRunID:     opts.ParentRunID,
		Status:          StatusRunning,
		StartedAt:       r.now(),
		TaskDescription: opts.TaskDescription,
		Model:           opts.Model,
	}
	r.byID[run.ID] = run
	r.byProject[projectID] = append(r.byProject[projectID], run.ID)
	snapshot := *run
	r.mu.Unlock()

	if err := r.store.SaveRun(ctx, toRecord(snapshot)); err != nil {
		log.Printf("runs: persist run %s: %v", snapshot.ID, err)
	}
	r.announce(snapshot, "started")
	return snapshot, nil
}

// Get returns a copy of the run.
func (r *Registry) Get(runID string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.byID[runID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// UpdateStatus moves a run through its state machine. The terminal
// transition stamps completedAt and durationMs exactly once; a second
// terminal update is refused and logged. Unknown ids are a logged no-op.
func (r *Registry) UpdateStatus(ctx context.Context, runID string, status Status, summary string) {
	r.mu.Lock()
	run, ok := r.byID[runID]
	if !ok {
		r.mu.Unlock()
		log.Printf("runs: update status for unknown run %s", runID)
		return
	}
	if !canTransition(run.Status, status) {
		r.mu.Unlock()
		log.Printf("runs: refused %s -> %s for run %s", run.Status, status, runID)
		return
	}
	run.Status = status
	if summary != "" {
		run.ResultSummary = summary
	}
	if IsTerminal(status) {
		done := r.now()
		ms := done.Sub(run.StartedAt).Milliseconds()
		run.CompletedAt = &done
		run.DurationMs = &ms
	}
	snapshot := *run
	r.mu.Unlock()

	if err := r.store.UpdateRunStatus(ctx, runID, string(status), summary, snapshot.CompletedAt, snapshot.DurationMs); err != nil {
		log.Printf("runs: persist status for run %s: %v", runID, err)
	}
	if IsTerminal(status) {
		r.announce(snapshot, "stopped")
	} else {
		r.announce(snapshot, "status")
	}
}

// AddUsage accumulates engine usage onto a run. Usage reported after the
// terminal transition is dropped: the run's totals are frozen with it.
func (r *Registry) AddUsage(ctx context.Context, runID string, usage engine.Usage) {
	r.mu.Lock()
	run, ok := r.byID[runID]
	if !ok {
		r.mu.Unlock()
		log.Printf("runs: usage for unknown run %s", runID)
		return
	}
	if IsTerminal(run.Status) {
		r.mu.Unlock()
		log.Printf("runs: dropped usage for finished run %s", runID)
		return
	}
	run.CostUSD += usage.CostUSD
	run.Tokens += usage.TotalTokens()
	cost, tokens := run.CostUSD, run.Tokens
	r.mu.Unlock()

	if err := r.store.UpdateRunUsage(ctx, runID, cost, tokens); err != nil {
		log.Printf("runs: persist usage for run %s: %v", runID, err)
	}
}

// SetResponseText records the accumulated assistant text, partial or final.
func (r *Registry) SetResponseText(ctx context.Context, runID, text string) {
	r.mu.Lock()
	run, ok := r.byID[runID]
	if !ok {
		r.mu.Unlock()
		log.Printf("runs: response text for unknown run %s", runID)
		return
	}
	run.ResponseText = text
	r.mu.Unlock()

	if err := r.store.SetRunResponse(ctx, runID, text); err != nil {
		log.Printf("runs: persist response for run %s: %v", runID, err)
	}
}

// SetContextSections stores the run's context-package inclusion report.
// Content is only retained for sections that made it into the prompt.
func (r *Registry) SetContextSections(ctx context.Context, runID string, sections []state.Section) {
	if _, ok := r.Get(runID); !ok {
		log.Printf("runs: sections for unknown run %s", runID)
		return
	}
	if err := r.store.SaveRunSections(ctx, runID, sections); err != nil {
		log.Printf("runs: persist sections for run %s: %v", runID, err)
	}
}

// ContextSections returns the persisted inclusion report for a run.
func (r *Registry) ContextSections(ctx context.Context, runID string) ([]state.Section, error) {
	return r.store.ListRunSections(ctx, runID)
}

// Tree returns the project's run hierarchy for a channel: the most recent
// orchestrator run as root plus every leaf hanging off it.
func (r *Registry) Tree(projectID string, channel Channel) Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tree Tree
	tree.Leaves = []Run{}
	for _, id := range r.byProject[projectID] {
		run := r.byID[id]
		if run.Channel != channel || run.Kind != KindOrchestrator {
			continue
		}
		snapshot := *run
		tree.Root = &snapshot
	}
	if tree.Root == nil {
		return tree
	}
	for _, id := range r.byProject[projectID] {
		run := r.byID[id]
		if run.ParentRunID == tree.Root.ID {
			tree.Leaves = append(tree.Leaves, *run)
		}
	}
	return tree
}

// ListRunning returns every non-terminal run for a project, in start order.
func (r *Registry) ListRunning(projectID string) []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Run{}
	for _, id := range r.byProject[projectID] {
		run := r.byID[id]
		if !IsTerminal(run.Status) {
			out = append(out, *run)
		}
	}
	return out
}

// List returns every run for a project, in start order.
func (r *Registry) List(projectID string) []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Run{}
	for _, id := range r.byProject[projectID] {
		out = append(out, *r.byID[id])
	}
	return out
}

// ClearProject drops a project's runs from memory. Persisted rows remain.
func (r *Registry) ClearProject(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byProject[projectID] {
		delete(r.byID, id)
	}
	delete(r.byProject, projectID)
}

// LoadHistory rehydrates a project's persisted runs into the registry.
// Rows already tracked in memory win; a run that was live when the process
// died comes back as interrupted, since nothing can finish it now.
func (r *Registry) LoadHistory(ctx context.Context, projectID string) error {
	records, err := r.store.ListRunsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load run history for %s: %w", projectID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if _, ok := r.byID[rec.ID]; ok {
			continue
		}
		run := fromRecord(rec)
		if !IsTerminal(run.Status) {
			run.Status = StatusInterrupted
		}
		r.byID[run.ID] = &run
		r.byProject[projectID] = append(r.byProject[projectID], run.ID)
	}
	sort.SliceStable(r.byProject[projectID], func(i, j int) bool {
		a := r.byID[r.byProject[projectID][i]]
		b := r.byID[r.byProject[projectID][j]]
		return a.StartedAt.Before(b.StartedAt)
	})
	return nil
}

// LoadHistoryWithSections rehydrates runs and returns the inclusion report
// of each restored run keyed by run id.
func (r *Registry) LoadHistoryWithSections(ctx context.Context, projectID string) (map[string][]state.Section, error) {
	if err := r.LoadHistory(ctx, projectID); err != nil {
		return nil, err
	}
	sections := map[string][]state.Section{}
	for _, run := range r.List(projectID) {
		got, err := r.store.ListRunSections(ctx, run.ID)
		if err != nil {
			log.Printf("runs: load sections for run %s: %v", run.ID, err)
			continue
		}
		if len(got) > 0 {
			sections[run.ID] = got
		}
	}
	return sections, nil
}

func (r *Registry) announce(run Run, subject string) {
	r.bus.Publish(eventbus.Event{
		Stream:    eventbus.StreamRun,
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		Channel:   string(run.Channel),
		Subject:   subject,
		Payload: map[string]any{
			"kind":          string(run.Kind),
			"status":        string(run.Status),
			"parent_run_id": run.ParentRunID,
			"cost_usd":      run.CostUSD,
			"tokens":        run.Tokens,
			"summary":       run.ResultSummary,
		},
	})
}

func toRecord(run Run) state.RunRecord {
	return state.RunRecord{
		ID:              run.ID,
		ProjectID:       run.ProjectID,
		Channel:         string(run.Channel),
		Kind:            string(run.Kind),
		ParentRunID:     run.ParentRunID,
		Status:          string(run.Status),
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		DurationMs:      run.DurationMs,
		TaskDescription: run.TaskDescription,
		ResultSummary:   run.ResultSummary,
		ResponseText:    run.ResponseText,
		CostUSD:         run.CostUSD,
		Tokens:          run.Tokens,
		Model:           run.Model,
	}
}

func fromRecord(rec state.RunRecord) Run {
	return Run{
		ID:              rec.ID,
		ProjectID:       rec.ProjectID,
		Channel:         Channel(rec.Channel),
		Kind:            Kind(rec.Kind),
		ParentRunID:     rec.ParentRunID,
		Status:          Status(rec.Status),
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
		DurationMs:      rec.DurationMs,
		TaskDescription: rec.TaskDescription,
		ResultSummary:   rec.ResultSummary,
		ResponseText:    rec.ResponseText,
		CostUSD:         rec.CostUSD,
		Tokens:          rec.Tokens,
		Model:           rec.Model,
	}
}
