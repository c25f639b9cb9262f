// Package budget keeps per-project usage totals for the life of the
// process. It is a live view over what the engine has reported so far;
// durable per-event records in the store are the source of truth for
// historical reporting.
package budget

import (
	"context"
	"log"
	"sync"

	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/eventbus"
)

// Recorder appends a durable usage event; the store implements it.
type Recorder interface {
	AppendUsageEvent(ctx context.Context, projectID, runID, kind string, usage engine.Usage) error
}

// RunUsage is one row of a project's per-run breakdown.
type RunUsage struct {
	RunID        string  `json:"run_id"`
	Kind         string  `json:"kind"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Budget is a project's accumulated usage. TotalTokens counts input and
// output only; cache traffic is tracked but not billed as context volume.
type Budget struct {
	ProjectID        string     `json:"project_id"`
	InputTokens      int        `json:"input_tokens"`
	OutputTokens     int        `json:"output_tokens"`
	CacheReadTokens  int        `json:"cache_read_tokens"`
	CacheWriteTokens int        `json:"cache_write_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	CostUSD          float64    `json:"cost_usd"`
	MaxBudgetUSD     *float64   `json:"max_budget_usd,omitempty"`
	Runs             []RunUsage `json:"runs"`
}

type projectBudget struct {
	Budget
	runIndex map[string]int // run id -> position in Runs
}

// Aggregator tracks budgets for every project seen this process.
type Aggregator struct {
	bus      *eventbus.Bus
	recorder Recorder

	mu         sync.Mutex
	projects   map[string]*projectBudget
	defaultMax *float64
}

func NewAggregator(bus *eventbus.Bus, recorder Recorder) *Aggregator {
	return &Aggregator{bus: bus, recorder: recorder, projects: map[string]*projectBudget{}}
}

// Record is the one-stop terminal-usage entry point: project totals,
// per-run breakdown, and the durable usage event in one call.
func (a *Aggregator) Record(ctx context.Context, projectID, runID, kind string, usage engine.Usage) {
	a.AddUsage(projectID, usage)
	a.AddRunUsage(projectID, runID, kind, usage)
	if a.recorder != nil {
		if err := a.recorder.AppendUsageEvent(ctx, projectID, runID, kind, usage); err != nil {
			log.Printf("budget: persist usage event for run %s: %v", runID, err)
		}
	}
}

// SetDefaultMaxUSD sets the advisory cap seeded onto projects when they are
// first tracked. Values <= 0 disable the default. Projects already tracked
// keep whatever cap they carry.
func (a *Aggregator) SetDefaultMaxUSD(maxUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if maxUSD > 0 {
		a.defaultMax = &maxUSD
	} else {
		a.defaultMax = nil
	}
}

func (a *Aggregator) project(projectID string) *projectBudget {
	pb, ok := a.projects[projectID]
	if !ok {
		pb = &projectBudget{
			Budget:   Budget{ProjectID: projectID, Runs: []RunUsage{}},
			runIndex: map[string]int{},
		}
		if a.defaultMax != nil {
			v := *a.defaultMax
			pb.MaxBudgetUSD = &v
		}
		a.projects[projectID] = pb
	}
	return pb
}

// Project returns a snapshot of the project's budget, zeroed on first use.
func (a *Aggregator) Project(projectID string) Budget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.project(projectID).snapshot()
}

// AddUsage folds an engine usage report into the project totals and
// broadcasts the updated snapshot on the budget stream.
func (a *Aggregator) AddUsage(projectID string, usage engine.Usage) {
	a.mu.Lock()
	pb := a.project(projectID)
	pb.InputTokens += usage.InputTokens
	pb.OutputTokens += usage.OutputTokens
	pb.CacheReadTokens += usage.CacheReadTokens
	pb.CacheWriteTokens += usage.CacheWriteTokens
	pb.TotalTokens = pb.InputTokens + pb.OutputTokens
	pb.CostUSD += usage.CostUSD
	snapshot := pb.snapshot()
	a.mu.Unlock()

	a.broadcast(snapshot)
}

// AddRunUsage maintains the per-run breakdown, independent of the project
// totals. Repeated reports for the same run accumulate onto its row.
func (a *Aggregator) AddRunUsage(projectID, runID, kind string, usage engine.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pb := a.project(projectID)
	i, ok := pb.runIndex[runID]
	if !ok {
		pb.Runs = append(pb.Runs, RunUsage{RunID: runID, Kind: kind})
		i = len(pb.Runs) - 1
		pb.runIndex[runID] = i
	}
	pb.Runs[i].InputTokens += usage.InputTokens
	pb.Runs[i].OutputTokens += usage.OutputTokens
	pb.Runs[i].CostUSD += usage.CostUSD
}

// SetMaxBudgetUSD sets or clears the project's advisory spend cap.
func (a *Aggregator) SetMaxBudgetUSD(projectID string, maxUSD *float64) {
	a.mu.Lock()
	pb := a.project(projectID)
	if maxUSD == nil {
		pb.MaxBudgetUSD = nil
	} else {
		v := *maxUSD
		pb.MaxBudgetUSD = &v
	}
	snapshot := pb.snapshot()
	a.mu.Unlock()

	a.broadcast(snapshot)
}

// Exhausted reports whether accumulated cost has met the cap. Callers treat
// this as advice before starting new work, not as an error.
func (a *Aggregator) Exhausted(projectID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	pb := a.project(projectID)
	return pb.MaxBudgetUSD != nil && pb.CostUSD >= *pb.MaxBudgetUSD
}

// ClearProject drops the in-memory budget. Durable usage events remain.
func (a *Aggregator) ClearProject(projectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.projects, projectID)
}

func (a *Aggregator) broadcast(snapshot Budget) {
	a.bus.Publish(eventbus.Event{
		Stream:    eventbus.StreamBudget,
		ProjectID: snapshot.ProjectID,
		Subject:   "updated",
		Payload: map[string]any{
			"input_tokens":       snapshot.InputTokens,
			"output_tokens":      snapshot.OutputTokens,
			"cache_read_tokens":  snapshot.CacheReadTokens,
			"cache_write_tokens": snapshot.CacheWriteTokens,
			"total_tokens":       snapshot.TotalTokens,
			"cost_usd":           snapshot.CostUSD,
			"runs":               len(snapshot.Runs),
		},
	})
}

func (pb *projectBudget) snapshot() Budget {
	out := pb.Budget
	out.Runs = make([]RunUsage, len(pb.Runs))
	copy(out.Runs, pb.Runs)
	if pb.MaxBudgetUSD != nil {
		v := *pb.MaxBudgetUSD
		out.MaxBudgetUSD = &v
	}
	return out
}
