// Package api is the HTTP surface of the daemon: message dispatch, run and
// budget inspection, plan control, and the live event stream.
package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/atelierhq/atelier/internal/budget"
	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/orchestrator"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/project"
	"github.com/atelierhq/atelier/internal/runs"
	"github.com/atelierhq/atelier/internal/state"
)

type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *runs.Registry
	Budget       *budget.Aggregator
	Plans        *plan.Registry
	Projects     *project.Service
	Bus          *eventbus.Bus

	// locks serializes message dispatch per (project, channel): the
	// orchestrator does not guard against concurrent messages on one
	// channel, so the transport must not deliver them.
	locks keyedMutex
}

// New builds the echo instance with all routes registered.
func (s *Server) New() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/api/health", s.handleHealth)

	e.PUT("/api/projects/:id", s.handleSaveProject)
	e.GET("/api/projects/:id", s.handleGetProject)
	e.POST("/api/projects/:id/messages", s.handleMessage)
	e.POST("/api/projects/:id/interrupt", s.handleInterrupt)
	e.GET("/api/projects/:id/runs", s.handleRuns)
	e.GET("/api/projects/:id/budget", s.handleBudget)
	e.PUT("/api/projects/:id/budget", s.handleSetBudgetCap)

	e.POST("/api/projects/:id/plan/message", s.handlePlanMessage)
	e.POST("/api/projects/:id/plan/save", s.handlePlanSave)
	e.POST("/api/projects/:id/plan/:planID/approve", s.handlePlanApprove)
	e.POST("/api/projects/:id/plan/:planID/cancel", s.handlePlanCancel)
	e.POST("/api/projects/:id/plan/:planID/execute", s.handlePlanExecute)
	e.GET("/api/projects/:id/plans", s.handlePlans)

	e.POST("/api/runs/:id/interrupt", s.handleInterruptRun)

	e.GET("/api/streams/ws", s.handleStreamWS)

	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

type messageRequest struct {
	Content string `json:"content"`
	Channel string `json:"channel"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleMessage(c echo.Context) error {
	projectID := c.Param("id")
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	channel := runs.Channel(req.Channel)
	if channel == "" {
		channel = runs.ChannelChat
	}
	if channel != runs.ChannelChat && channel != runs.ChannelSetup {
		return echo.NewHTTPError(http.StatusBadRequest, "channel must be chat or setup")
	}

	unlock := s.locks.lock(projectID + "|" + string(channel))
	defer unlock()

	run, err := s.Orchestrator.HandleMessage(c.Request().Context(), projectID, channel, req.Content, orchestrator.MessageOptions{Model: req.Model})
	if err != nil {
		return mapOrchestratorErr(err)
	}
	return c.JSON(http.StatusOK, run)
}

type interruptRequest struct {
	Channel string `json:"channel"`
}

func (s *Server) handleInterrupt(c echo.Context) error {
	var req interruptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	channel := runs.Channel(req.Channel)
	if channel == "" {
		channel = runs.ChannelChat
	}
	interrupted := s.Orchestrator.Interrupt(c.Param("id"), channel)
	return c.JSON(http.StatusOK, map[string]any{"interrupted": interrupted})
}

func (s *Server) handleInterruptRun(c echo.Context) error {
	interrupted := s.Orchestrator.InterruptRun(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]any{"interrupted": interrupted})
}

func (s *Server) handleRuns(c echo.Context) error {
	channel := runs.Channel(c.QueryParam("channel"))
	if channel == "" {
		channel = runs.ChannelChat
	}
	return c.JSON(http.StatusOK, s.Registry.Tree(c.Param("id"), channel))
}

func (s *Server) handleBudget(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Budget.Project(c.Param("id")))
}

type budgetCapRequest struct {
	// MaxUSD is the advisory spend cap; null clears it.
	MaxUSD *float64 `json:"max_usd"`
}

func (s *Server) handleSetBudgetCap(c echo.Context) error {
	var req budgetCapRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.MaxUSD != nil && *req.MaxUSD < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_usd must be non-negative")
	}
	projectID := c.Param("id")
	s.Budget.SetMaxBudgetUSD(projectID, req.MaxUSD)
	return c.JSON(http.StatusOK, s.Budget.Project(projectID))
}

func (s *Server) handleSaveProject(c echo.Context) error {
	var meta state.ProjectMetadata
	if err := c.Bind(&meta); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := s.Projects.Save(c.Request().Context(), c.Param("id"), meta); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetProject(c echo.Context) error {
	rec, err := s.Projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if state.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "project not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handlePlanMessage(c echo.Context) error {
	projectID := c.Param("id")
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	unlock := s.locks.lock(projectID + "|" + string(runs.ChannelPlan))
	defer unlock()

	run, err := s.Orchestrator.HandlePlanMessage(c.Request().Context(), projectID, req.Content, orchestrator.MessageOptions{Model: req.Model})
	if err != nil {
		return mapOrchestratorErr(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handlePlanSave(c echo.Context) error {
	var p plan.Plan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	p.ProjectID = c.Param("id")
	saved, err := s.Orchestrator.SavePlan(c.Request().Context(), p)
	if err != nil {
		return mapOrchestratorErr(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) handlePlanApprove(c echo.Context) error {
	unlock := s.locks.lock(c.Param("id") + "|" + string(runs.ChannelPlan))
	defer unlock()
	p, err := s.Orchestrator.ApprovePlan(c.Request().Context(), c.Param("planID"))
	if err != nil {
		return mapOrchestratorErr(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handlePlanExecute(c echo.Context) error {
	unlock := s.locks.lock(c.Param("id") + "|" + string(runs.ChannelPlan))
	defer unlock()
	p, err := s.Orchestrator.ExecuteSavedPlan(c.Request().Context(), c.Param("planID"))
	if err != nil {
		return mapOrchestratorErr(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handlePlanCancel(c echo.Context) error {
	if err := s.Orchestrator.CancelPlan(c.Request().Context(), c.Param("planID")); err != nil {
		return mapOrchestratorErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePlans(c echo.Context) error {
	plans, err := s.Plans.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, plans)
}

func mapOrchestratorErr(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrNoProject):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNoCredential):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case state.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// keyedMutex hands out one mutex per key. Keys are never evicted; the key
// space is bounded by projects times channels.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
