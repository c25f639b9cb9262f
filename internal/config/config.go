package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	HTTPAddr string `toml:"http_addr"`
	DataDir  string `toml:"data_dir"`
	DBPath   string `toml:"db_path"`

	Engine EngineConfig `toml:"engine"`
	Budget BudgetConfig `toml:"budget"`
}

// EngineConfig holds settings for the external agent-execution engine.
type EngineConfig struct {
	Binary   string `toml:"binary"`
	Model    string `toml:"model"`
	MaxTurns int    `toml:"max_turns"`
	// WorkDir is the directory agent processes run in; empty means the
	// daemon's own working directory.
	WorkDir string `toml:"work_dir"`
	// Tools are tool servers granted to implementer and test-runner runs.
	Tools []ToolServerConfig `toml:"tools"`
}

// ToolServerConfig describes one tool server the engine may launch.
type ToolServerConfig struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// BudgetConfig holds usage accounting settings.
type BudgetConfig struct {
	// RollupCron is a cron expression for the periodic usage roll-up.
	RollupCron string `toml:"rollup_cron"`
	// DefaultMaxUSD, when > 0, is applied as the soft cap for new projects.
	DefaultMaxUSD float64 `toml:"default_max_usd"`
}

func Default() Config {
	dataDir := "data"
	return Config{
		HTTPAddr: ":8080",
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "atelier.db"),
		Engine: EngineConfig{
			Binary:   "claude",
			Model:    "claude-sonnet-4-20250514",
			MaxTurns: 30,
		},
		Budget: BudgetConfig{
			RollupCron: "0 0 * * *",
		},
	}
}

// Load layers configuration: defaults, then the TOML file at path (if any),
// then environment variables, with .env filling gaps in the environment.
func Load(path string) (Config, error) {
	loadDotEnv(".env")
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.HTTPAddr = getEnv("ATELIER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("ATELIER_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("ATELIER_DB_PATH", cfg.DBPath)
	cfg.Engine.Binary = getEnv("ATELIER_ENGINE_BINARY", cfg.Engine.Binary)
	cfg.Engine.Model = getEnv("ATELIER_ENGINE_MODEL", cfg.Engine.Model)
	cfg.Engine.MaxTurns = getEnvInt("ATELIER_ENGINE_MAX_TURNS", cfg.Engine.MaxTurns)
	cfg.Engine.WorkDir = getEnv("ATELIER_ENGINE_WORK_DIR", cfg.Engine.WorkDir)
	cfg.Budget.RollupCron = getEnv("ATELIER_BUDGET_ROLLUP_CRON", cfg.Budget.RollupCron)
	if v := os.Getenv("ATELIER_BUDGET_DEFAULT_MAX_USD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.DefaultMaxUSD = parsed
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "atelier.db")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
