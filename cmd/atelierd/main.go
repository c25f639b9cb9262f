package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/atelierhq/atelier/internal/api"
	"github.com/atelierhq/atelier/internal/budget"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/knowledge"
	"github.com/atelierhq/atelier/internal/orchestrator"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/project"
	"github.com/atelierhq/atelier/internal/prompt"
	"github.com/atelierhq/atelier/internal/runs"
	"github.com/atelierhq/atelier/internal/state"
	"github.com/atelierhq/atelier/internal/subagent"
	"github.com/atelierhq/atelier/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := state.Migrate(db); err != nil {
		log.Fatalf("migrate db: %v", err)
	}

	store := state.NewStore(db)
	bus := eventbus.NewBus()
	registry := runs.NewRegistry(store, bus)
	aggregator := budget.NewAggregator(bus, store)
	aggregator.SetDefaultMaxUSD(cfg.Budget.DefaultMaxUSD)
	projects := project.NewService(store)
	plans := plan.NewRegistry(store)
	extractor := knowledge.NewExtractor(store)
	eng := engine.NewCLIEngine(cfg.Engine.Binary)
	controllers := subagent.NewControllers()

	builder := &prompt.Builder{
		Project:      projects,
		Workspace:    projects,
		Memory:       projects,
		Summary:      projects,
		Conversation: projects,
	}
	executor := &subagent.Executor{
		Engine:       eng,
		Registry:     registry,
		Budget:       aggregator,
		Builder:      builder,
		Bus:          bus,
		Controllers:  controllers,
		Model:        cfg.Engine.Model,
		MaxTurns:     cfg.Engine.MaxTurns,
		WorkDir:      cfg.Engine.WorkDir,
		ProjectTools: toolServers(cfg.Engine.Tools),
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
		Knowledge:   extractor,
		Controllers: controllers,
		Credential:  credentialCheck(cfg.Engine.Binary),
		Model:       cfg.Engine.Model,
		MaxTurns:    cfg.Engine.MaxTurns,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	extractor.Start(ctx)
	defer extractor.Close()

	rollup := usage.NewRollup(store, bus)
	if err := rollup.Start(ctx, cfg.Budget.RollupCron); err != nil {
		log.Printf("usage roll-up disabled: %v", err)
	} else {
		defer rollup.Stop()
	}

	server := &api.Server{
		Orchestrator: orch,
		Registry:     registry,
		Budget:       aggregator,
		Plans:        plans,
		Projects:     projects,
		Bus:          bus,
	}
	e := server.New()

	go func() {
		log.Printf("atelierd listening on %s", cfg.HTTPAddr)
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	controllers.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func toolServers(tools []config.ToolServerConfig) []engine.ToolServer {
	if len(tools) == 0 {
		return nil
	}
	out := make([]engine.ToolServer, 0, len(tools))
	for _, t := range tools {
		out = append(out, engine.ToolServer{Name: t.Name, Command: t.Command, Args: t.Args})
	}
	return out
}

// credentialCheck verifies the engine binary is reachable and an API key is
// present in the environment.
func credentialCheck(binary string) orchestrator.CredentialCheck {
	return func() bool {
		if os.Getenv("ANTHROPIC_API_KEY") == "" && os.Getenv("CLAUDE_CODE_OAUTH_TOKEN") == "" {
			return false
		}
		_, err := exec.LookPath(binary)
		return err == nil
	}
}
