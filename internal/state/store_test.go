package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/state"
	"github.com/atelierhq/atelier/internal/testutil"
)

func TestRunRoundTrip(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	rec := state.RunRecord{
		ID:              "run-orchestrator-1",
		ProjectID:       "proj",
		Channel:         "chat",
		Kind:            "orchestrator",
		Status:          "running",
		StartedAt:       started,
		TaskDescription: "answer the user",
		Model:           "claude-sonnet-4",
	}
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("save run: %v", err)
	}

	if err := store.UpdateRunUsage(ctx, rec.ID, 0.5, 42); err != nil {
		t.Fatalf("update usage: %v", err)
	}
	if err := store.SetRunResponse(ctx, rec.ID, "hello"); err != nil {
		t.Fatalf("set response: %v", err)
	}
	done := started.Add(2 * time.Second)
	ms := int64(2000)
	if err := store.UpdateRunStatus(ctx, rec.ID, "completed", "did it", &done, &ms); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := store.ListRunsByProject(ctx, "proj")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 run, got %d", len(got))
	}
	run := got[0]
	if run.Status != "completed" || run.ResultSummary != "did it" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.CostUSD != 0.5 || run.Tokens != 42 {
		t.Fatalf("unexpected accounting: %+v", run)
	}
	if run.ResponseText != "hello" {
		t.Fatalf("unexpected response: %q", run.ResponseText)
	}
	if run.CompletedAt == nil || run.DurationMs == nil || *run.DurationMs != 2000 {
		t.Fatalf("terminal fields not set: %+v", run)
	}
	if !run.StartedAt.Equal(started) {
		t.Fatalf("started_at drifted: %v vs %v", run.StartedAt, started)
	}
}

func TestRunsOrderedByStartTime(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"run-b", "run-a", "run-c"} {
		offsets := []time.Duration{2 * time.Second, 0, 4 * time.Second}
		rec := state.RunRecord{
			ID: id, ProjectID: "proj", Channel: "chat", Kind: "analyst",
			Status: "running", StartedAt: base.Add(offsets[i]),
		}
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("save run %s: %v", id, err)
		}
	}
	got, err := store.ListRunsByProject(ctx, "proj")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	want := []string{"run-a", "run-b", "run-c"}
	for i, rec := range got {
		if rec.ID != want[i] {
			t.Fatalf("expected %v, got %s at %d", want, rec.ID, i)
		}
	}
}

func TestRunSectionsRoundTrip(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	if err := store.SaveRun(ctx, state.RunRecord{
		ID: "run-1", ProjectID: "proj", Channel: "chat", Kind: "analyst",
		Status: "running", StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save run: %v", err)
	}

	content := "the task"
	sections := []state.Section{
		{Name: "System Prompt", Included: true, Content: &content},
		{Name: "Memory", Included: true},
		{Name: "Workspace Files", Included: false},
	}
	if err := store.SaveRunSections(ctx, "run-1", sections); err != nil {
		t.Fatalf("save sections: %v", err)
	}
	got, err := store.ListRunSections(ctx, "run-1")
	if err != nil {
		t.Fatalf("list sections: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(got))
	}
	if got[0].Content == nil || *got[0].Content != content {
		t.Fatalf("content lost: %+v", got[0])
	}
	if got[1].Content != nil || !got[1].Included {
		t.Fatalf("unexpected section: %+v", got[1])
	}
	if got[2].Included {
		t.Fatalf("expected excluded section: %+v", got[2])
	}

	// A second save replaces, never appends.
	if err := store.SaveRunSections(ctx, "run-1", sections[:1]); err != nil {
		t.Fatalf("resave sections: %v", err)
	}
	got, err = store.ListRunSections(ctx, "run-1")
	if err != nil {
		t.Fatalf("relist sections: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 section after resave, got %d", len(got))
	}
}

func TestMessagesWindowedChronological(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		if _, err := store.AppendMessage(ctx, "proj", "chat", "user", content); err != nil {
			t.Fatalf("append %s: %v", content, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := store.AppendMessage(ctx, "proj", "plan", "user", "other lane"); err != nil {
		t.Fatalf("append plan message: %v", err)
	}

	got, err := store.ListMessages(ctx, "proj", "chat", 2)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("wrong window or order: %q, %q", got[0].Content, got[1].Content)
	}
}

func TestProjectMetadataAndSession(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	meta := state.ProjectMetadata{
		Name:        "atelier",
		Purpose:     "agent orchestration",
		Language:    "Go",
		Conventions: []string{"table tests"},
	}
	if err := store.SaveProject(ctx, "proj", meta); err != nil {
		t.Fatalf("save project: %v", err)
	}
	rec, err := store.GetProject(ctx, "proj")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if rec.Metadata.Name != "atelier" || len(rec.Metadata.Conventions) != 1 {
		t.Fatalf("metadata lost: %+v", rec.Metadata)
	}

	if _, err := store.GetProject(ctx, "missing"); !state.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}

	if err := store.SetSessionID(ctx, "proj", "sess-9"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	sessionID, err := store.GetSessionID(ctx, "proj")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sessionID != "sess-9" {
		t.Fatalf("expected sess-9, got %q", sessionID)
	}

	if err := store.SetSummary(ctx, "proj", "summary line"); err != nil {
		t.Fatalf("set summary: %v", err)
	}
	summary, err := store.GetSummary(ctx, "proj")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if summary != "summary line" {
		t.Fatalf("expected summary line, got %q", summary)
	}
}

func TestKnowledgeSearch(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	for _, note := range []string{"uses sqlite for state", "http served by echo", "sqlite is in WAL mode"} {
		if err := store.AddKnowledgeNote(ctx, "proj", note); err != nil {
			t.Fatalf("add note: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, err := store.SearchKnowledge(ctx, "proj", "sqlite", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 notes, got %d: %v", len(got), got)
	}
	if got[0] != "sqlite is in WAL mode" {
		t.Fatalf("expected newest first, got %v", got)
	}
}

func TestUsageEventsWindowedTotals(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	usage := engine.Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 2, CostUSD: 0.1}
	if err := store.AppendUsageEvent(ctx, "proj", "run-1", "orchestrator", usage); err != nil {
		t.Fatalf("append usage: %v", err)
	}
	if err := store.AppendUsageEvent(ctx, "proj", "run-2", "implementer", usage); err != nil {
		t.Fatalf("append usage: %v", err)
	}

	totals, err := store.Usage(ctx, "proj", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if totals.InputTokens != 20 || totals.OutputTokens != 10 || totals.Events != 2 {
		t.Fatalf("unexpected totals: %+v", totals)
	}

	totals, err = store.Usage(ctx, "proj", time.Now().UTC().Add(time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("usage windowed: %v", err)
	}
	if totals.Events != 0 {
		t.Fatalf("expected empty window, got %+v", totals)
	}

	active, err := store.ActiveUsageProjects(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("active projects: %v", err)
	}
	if len(active) != 1 || active[0] != "proj" {
		t.Fatalf("unexpected active projects: %v", active)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	rec := state.PlanRecord{
		ID:        "plan-1",
		ProjectID: "proj",
		Title:     "ship feature",
		Status:    "draft",
		Steps: []state.PlanStepRecord{
			{ID: "s1", Kind: "implementer", Description: "write code", Status: "pending"},
			{ID: "s2", Kind: "test-runner", Description: "run tests", DependsOn: []string{"s1"}, Status: "pending"},
		},
	}
	if err := store.SavePlan(ctx, rec); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	got, err := store.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[1].DependsOn[0] != "s1" {
		t.Fatalf("steps lost: %+v", got.Steps)
	}

	if err := store.UpdatePlanStepStatus(ctx, "s1", "completed", "run-9"); err != nil {
		t.Fatalf("update step: %v", err)
	}
	if err := store.UpdatePlanStatus(ctx, "plan-1", "executing"); err != nil {
		t.Fatalf("update plan: %v", err)
	}
	got, err = store.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("reget plan: %v", err)
	}
	if got.Status != "executing" || got.Steps[0].Status != "completed" || got.Steps[0].RunID != "run-9" {
		t.Fatalf("updates lost: %+v", got)
	}

	plans, err := store.ListPlans(ctx, "proj")
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}
}
