package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/atelierhq/atelier/internal/api"
	"github.com/atelierhq/atelier/internal/budget"
	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/orchestrator"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/project"
	"github.com/atelierhq/atelier/internal/prompt"
	"github.com/atelierhq/atelier/internal/runs"
	"github.com/atelierhq/atelier/internal/state"
	"github.com/atelierhq/atelier/internal/subagent"
	"github.com/atelierhq/atelier/internal/testutil"
)

func newTestServer(t *testing.T, eng engine.Engine) (*echo.Echo, *api.Server) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	store := state.NewStore(db)
	bus := eventbus.NewBus()
	registry := runs.NewRegistry(store, bus)
	aggregator := budget.NewAggregator(bus, store)
	projects := project.NewService(store)
	plans := plan.NewRegistry(store)
	controllers := subagent.NewControllers()
	builder := &prompt.Builder{
		Project:      projects,
		Workspace:    projects,
		Memory:       projects,
		Summary:      projects,
		Conversation: projects,
	}
	executor := &subagent.Executor{
		Engine:      eng,
		Registry:    registry,
		Budget:      aggregator,
		Builder:     builder,
		Bus:         bus,
		Controllers: controllers,
	}
	orch := &orchestrator.Orchestrator{
		Engine:      eng,
		Registry:    registry,
		Budget:      aggregator,
		Builder:     builder,
		Bus:         bus,
		Store:       store,
		Projects:    projects,
		Plans:       plans,
		Executor:    executor,
		Controllers: controllers,
		Credential:  func() bool { return true },
	}
	srv := &api.Server{
		Orchestrator: orch,
		Registry:     registry,
		Budget:       aggregator,
		Plans:        plans,
		Projects:     projects,
		Bus:          bus,
	}
	if err := projects.Save(context.Background(), "proj", state.ProjectMetadata{Name: "proj"}); err != nil {
		t.Fatalf("save project: %v", err)
	}
	return srv.New(), srv
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t, &testutil.StubEngine{})
	rec := doJSON(t, e, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	e, _ := newTestServer(t, &testutil.StubEngine{})

	rec := doJSON(t, e, http.MethodPut, "/api/projects/other", `{"name":"Other","description":"second project"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("save: expected 204, got %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, e, http.MethodGet, "/api/projects/other", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var meta state.ProjectMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Name != "Other" || meta.Description != "second project" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	rec = doJSON(t, e, http.MethodGet, "/api/projects/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing project: expected 404, got %d", rec.Code)
	}
}

func TestBudgetCapOverHTTP(t *testing.T) {
	e, srv := newTestServer(t, &testutil.StubEngine{})

	rec := doJSON(t, e, http.MethodPut, "/api/projects/proj/budget", `{"max_usd":0.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set cap: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var b budget.Budget
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.MaxBudgetUSD == nil || *b.MaxBudgetUSD != 0.5 {
		t.Fatalf("expected cap 0.5, got %v", b.MaxBudgetUSD)
	}

	srv.Budget.AddUsage("proj", engine.Usage{CostUSD: 0.7})
	if !srv.Budget.Exhausted("proj") {
		t.Fatal("expected exhausted past the cap")
	}

	rec = doJSON(t, e, http.MethodPut, "/api/projects/proj/budget", `{"max_usd":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear cap: expected 200, got %d", rec.Code)
	}
	if srv.Budget.Exhausted("proj") {
		t.Fatal("clearing the cap should clear exhaustion")
	}

	rec = doJSON(t, e, http.MethodPut, "/api/projects/proj/budget", `{"max_usd":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative cap: expected 400, got %d", rec.Code)
	}
}

func TestMessageEndToEnd(t *testing.T) {
	eng := &testutil.StubEngine{Messages: []engine.Message{
		engine.Delta{Text: "hi "},
		engine.Delta{Text: "there"},
		engine.Result{Usage: engine.Usage{InputTokens: 4, OutputTokens: 2}},
	}}
	e, _ := newTestServer(t, eng)

	rec := doJSON(t, e, http.MethodPost, "/api/projects/proj/messages", `{"content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var run runs.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != runs.StatusCompleted || run.ResponseText != "hi there" {
		t.Fatalf("unexpected run: %+v", run)
	}

	rec = doJSON(t, e, http.MethodGet, "/api/projects/proj/budget", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("budget: expected 200, got %d", rec.Code)
	}
	var b budget.Budget
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode budget: %v", err)
	}
	if b.TotalTokens != 6 {
		t.Fatalf("expected 6 total tokens, got %d", b.TotalTokens)
	}

	rec = doJSON(t, e, http.MethodGet, "/api/projects/proj/runs?channel=chat", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("runs: expected 200, got %d", rec.Code)
	}
	var tree runs.Tree
	if err := json.Unmarshal(rec.Body.Bytes(), &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if tree.Root == nil || tree.Root.ID != run.ID {
		t.Fatalf("tree root missing: %+v", tree)
	}
}

func TestMessageValidation(t *testing.T) {
	e, _ := newTestServer(t, &testutil.StubEngine{})

	rec := doJSON(t, e, http.MethodPost, "/api/projects/proj/messages", `{"channel":"chat"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty content: expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, e, http.MethodPost, "/api/projects/proj/messages", `{"content":"x","channel":"plan"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("plan channel on chat route: expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, e, http.MethodPost, "/api/projects/ghost/messages", `{"content":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown project: expected 404, got %d", rec.Code)
	}
}

func TestMessageWithoutCredential(t *testing.T) {
	e, srv := newTestServer(t, &testutil.StubEngine{})
	srv.Orchestrator.Credential = func() bool { return false }

	rec := doJSON(t, e, http.MethodPost, "/api/projects/proj/messages", `{"content":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInterruptIdleChannel(t *testing.T) {
	e, _ := newTestServer(t, &testutil.StubEngine{})

	rec := doJSON(t, e, http.MethodPost, "/api/projects/proj/interrupt", `{"channel":"chat"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["interrupted"] {
		t.Fatal("idle channel must report interrupted=false")
	}

	rec = doJSON(t, e, http.MethodPost, "/api/runs/run-missing/interrupt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	eng := &testutil.StubEngine{Messages: []engine.Message{
		engine.Result{Text: "done", Usage: engine.Usage{InputTokens: 1, OutputTokens: 1}},
	}}
	e, _ := newTestServer(t, eng)

	body := `{"title":"ship it","steps":[{"kind":"implementer","description":"write the code"}]}`
	rec := doJSON(t, e, http.MethodPost, "/api/projects/proj/plan/save", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var saved plan.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if saved.ID == "" || saved.Status != plan.StatusDraft {
		t.Fatalf("unexpected saved plan: %+v", saved)
	}

	rec = doJSON(t, e, http.MethodPost, "/api/projects/proj/plan/"+saved.ID+"/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var executed plan.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &executed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if executed.Status != plan.StatusCompleted || executed.Steps[0].Status != plan.StepCompleted {
		t.Fatalf("unexpected outcome: %+v", executed)
	}

	rec = doJSON(t, e, http.MethodGet, "/api/projects/proj/plans", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var plans []plan.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &plans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(plans) != 1 || plans[0].ID != saved.ID {
		t.Fatalf("unexpected list: %+v", plans)
	}

	rec = doJSON(t, e, http.MethodPost, "/api/projects/proj/plan/plan-missing/approve", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing plan: expected 404, got %d", rec.Code)
	}
}

func TestPlanCancelOverHTTP(t *testing.T) {
	e, srv := newTestServer(t, &testutil.StubEngine{})

	saved, err := srv.Plans.Save(context.Background(), plan.Plan{
		ProjectID: "proj",
		Title:     "abandoned",
		Steps:     []plan.Step{{Kind: runs.KindAnalyst, Description: "x"}},
	})
	if err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	rec := doJSON(t, e, http.MethodPost, "/api/projects/proj/plan/"+saved.ID+"/cancel", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	got, err := srv.Plans.Get(context.Background(), saved.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != plan.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}
