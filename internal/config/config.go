// Package config loads the service configuration from
// $TASKBRIDGE_HOME/config.yaml with environment overrides. Detector
// thresholds and confidence weights are deliberately configurable: they
// are tuned constants, not structural invariants.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskbridge/internal/gap"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/pipeline"
)

// LLMConfig selects the generation provider.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic",
	// "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (openai_compatible).
	BaseURL string `yaml:"base_url"`
	// EmbedModel is the embedding model used for similarity scoring.
	EmbedModel string `yaml:"embed_model"`
}

// RetentionConfig controls the session sweeper.
type RetentionConfig struct {
	// StaleSessionHours aborts awaiting_review sessions older than this.
	StaleSessionHours int `yaml:"stale_session_hours"`
	// SessionRowDays deletes terminal session rows older than this.
	SessionRowDays int `yaml:"session_row_days"`
	// SweepIntervalMinutes is the sweeper tick.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	// PurgeCron schedules terminal-row purges (5-field cron expression).
	PurgeCron string `yaml:"purge_cron"`
}

// Config is the root configuration.
type Config struct {
	HomeDir  string `yaml:"-"`
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken protects the HTTP API when non-empty.
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	DBPath string `yaml:"db_path"`

	Detector  gap.Config      `yaml:"detector"`
	Pipeline  pipeline.Config `yaml:"pipeline"`
	LLM       LLMConfig       `yaml:"llm"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      otel.Config     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Detector: gap.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Retention: RetentionConfig{
			StaleSessionHours:    24,
			SessionRowDays:       30,
			SweepIntervalMinutes: 10,
			PurgeCron:            "0 3 * * *",
		},
	}
}

// HomeDir resolves the data directory, honoring TASKBRIDGE_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbridge")
}

// ConfigPath returns the config file location inside the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, creating the directory
// if needed. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKBRIDGE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("TASKBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKBRIDGE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("TASKBRIDGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai", "openai_compatible":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskbridge.db")
	}

	p := &cfg.Pipeline
	dp := def.Pipeline
	if p.DedupCutoff <= 0 || p.DedupCutoff > 1 {
		p.DedupCutoff = dp.DedupCutoff
	}
	if p.MaxCandidates <= 0 {
		p.MaxCandidates = dp.MaxCandidates
	}
	if p.MaxSimilar <= 0 {
		p.MaxSimilar = dp.MaxSimilar
	}
	if p.GapTimeoutSeconds <= 0 {
		p.GapTimeoutSeconds = dp.GapTimeoutSeconds
	}
	if p.Parallelism <= 0 {
		p.Parallelism = dp.Parallelism
	}
	if sum := p.Weights.PatternSimilarity + p.Weights.GapConfidence + p.Weights.ProviderConfidence; sum <= 0 {
		p.Weights = dp.Weights
	} else if sum != 1 {
		p.Weights.PatternSimilarity /= sum
		p.Weights.GapConfidence /= sum
		p.Weights.ProviderConfidence /= sum
	}

	r := &cfg.Retention
	dr := def.Retention
	if r.StaleSessionHours <= 0 {
		r.StaleSessionHours = dr.StaleSessionHours
	}
	if r.SessionRowDays <= 0 {
		r.SessionRowDays = dr.SessionRowDays
	}
	if r.SweepIntervalMinutes <= 0 {
		r.SweepIntervalMinutes = dr.SweepIntervalMinutes
	}
	if strings.TrimSpace(r.PurgeCron) == "" {
		r.PurgeCron = dr.PurgeCron
	}
}

// GapTimeout returns the per-gap generation deadline.
func (c Config) GapTimeout() time.Duration {
	return time.Duration(c.Pipeline.GapTimeoutSeconds) * time.Second
}

// SweepInterval returns the retention sweeper tick.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalMinutes) * time.Minute
}

// Fingerprint hashes the load-bearing settings so the running config can
// be identified in status output without leaking secrets.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|detector=%+v|pipeline=%+v|provider=%s|model=%s",
		c.BindAddr, c.LogLevel, c.Detector, c.Pipeline, c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
