package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PhaseConfig holds per-connection defaults for the phase pipeline.
// Connections may override model and research_only via config_update.
type PhaseConfig struct {
	// Model is the default language model handed to the phase collaborator.
	Model string `yaml:"model"`

	// ResearchOnly makes new connections stop after the research phase.
	ResearchOnly bool `yaml:"research_only"`

	// ExpertEnabled and HIL are passed through to the phase collaborator.
	ExpertEnabled bool `yaml:"expert_enabled"`
	HIL           bool `yaml:"hil"`

	// ResultSchemaFile optionally names a JSON Schema (relative to home dir)
	// that every phase result must satisfy. Empty disables validation.
	ResultSchemaFile string `yaml:"result_schema_file"`

	// StrictResults rejects results that fail schema validation. When false,
	// failures are logged but the pipeline continues.
	StrictResults bool `yaml:"strict_results"`
}

// RetentionConfig controls periodic purging of old task rows.
type RetentionConfig struct {
	// Schedule is a 5-field cron expression. Empty uses the hourly default.
	Schedule string `yaml:"schedule"`

	// Days to keep task history / task logs. 0 = keep forever.
	TaskHistoryDays int `yaml:"task_history_days"`
	TaskLogDays     int `yaml:"task_log_days"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default <home>/taskpipe.db store location.
	DBPath string `yaml:"db_path"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only (no cross-origin WebSockets).
	AllowOrigins []string `yaml:"allow_origins"`

	Phase     PhaseConfig     `yaml:"phase"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Phase: PhaseConfig{
			ExpertEnabled: true,
			HIL:           true,
		},
		Retention: RetentionConfig{
			Schedule: "0 * * * *",
		},
	}
}

// HomeDir returns the data directory, honoring the TASKPIPE_HOME override.
func HomeDir() string {
	if override := os.Getenv("TASKPIPE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskpipe")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applies env overrides and
// defaults. A missing config.yaml is not an error: defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskpipe home: %w", err)
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

// ResolveDBPath returns the effective SQLite path for this config.
func (c Config) ResolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "taskpipe.db")
}

// ResolveResultSchemaPath returns the absolute path of the configured phase
// result schema, or "" when validation is disabled.
func (c Config) ResolveResultSchemaPath() string {
	f := strings.TrimSpace(c.Phase.ResultSchemaFile)
	if f == "" {
		return ""
	}
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(c.HomeDir, f)
}

// Fingerprint returns a stable hash of the active config, exposed on /healthz.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|model=%s|ro=%t|origins=%v",
		c.BindAddr, c.LogLevel, c.ResolveDBPath(), c.Phase.Model, c.Phase.ResearchOnly, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "0 * * * *"
	}
	if cfg.Retention.TaskHistoryDays < 0 {
		cfg.Retention.TaskHistoryDays = 0
	}
	if cfg.Retention.TaskLogDays < 0 {
		cfg.Retention.TaskLogDays = 0
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKPIPE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKPIPE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKPIPE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKPIPE_MODEL"); raw != "" {
		cfg.Phase.Model = raw
	}
	if raw := os.Getenv("TASKPIPE_RESEARCH_ONLY"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Phase.ResearchOnly = v
		}
	}
	if raw := os.Getenv("TASKPIPE_EXPERT_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Phase.ExpertEnabled = v
		}
	}
	if raw := os.Getenv("TASKPIPE_HIL"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Phase.HIL = v
		}
	}
}
