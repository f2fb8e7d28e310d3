package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orchard/lifemap/internal/otel"
)

// LLMConfig holds settings for the language-model collaborators.
type LLMConfig struct {
	// Provider names the active LLM provider: "google" is the only
	// first-class provider; anything else falls back to deterministic stubs.
	Provider string `yaml:"provider"`

	// Model is the generation model id (e.g. "gemini-2.5-flash").
	Model string `yaml:"model"`

	// EmbedModel is the embedding model id (e.g. "gemini-embedding-001").
	EmbedModel string `yaml:"embed_model"`

	// APIKey for the provider. GEMINI_API_KEY overrides.
	APIKey string `yaml:"api_key"`
}

// ExtractionConfig holds the leaf-extraction worker pool settings.
// Read once at pool start; no runtime mutation.
type ExtractionConfig struct {
	WorkerCount    int `yaml:"worker_count"`
	BatchSize      int `yaml:"batch_size"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	MaxRetries     int `yaml:"max_retries"`

	// StaleAfterSeconds bounds how long a task may sit in processing before
	// the maintenance sweep requeues it (crash recovery).
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

// PollInterval returns the poll interval as a duration.
func (c ExtractionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StaleAfter returns the processing staleness bound as a duration.
func (c ExtractionConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// KnowledgeConfig holds the downstream knowledge-extraction pool settings.
type KnowledgeConfig struct {
	WorkerCount int `yaml:"worker_count"`

	// QueueDepth is the buffer size of the cascade request channel.
	QueueDepth int `yaml:"queue_depth"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// SweepSpec is a 5-field cron expression for the maintenance sweep
	// (stale-task requeue + missed-cascade re-dispatch).
	SweepSpec string `yaml:"sweep_spec"`

	LLM        LLMConfig        `yaml:"llm"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Otel       otel.Config      `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		SweepSpec: "*/5 * * * *",
		LLM: LLMConfig{
			Provider:   "google",
			Model:      "gemini-2.5-flash",
			EmbedModel: "gemini-embedding-001",
		},
		Extraction: ExtractionConfig{
			WorkerCount:       2,
			BatchSize:         5,
			PollIntervalMS:    2000,
			MaxRetries:        3,
			StaleAfterSeconds: 300,
		},
		Knowledge: KnowledgeConfig{
			WorkerCount: 1,
			QueueDepth:  32,
		},
	}
}

// HomeDir returns the lifemap data directory, honoring LIFEMAP_HOME.
func HomeDir() string {
	if override := os.Getenv("LIFEMAP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lifemap")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the lifemap home directory, applies env
// overrides and defaults. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create lifemap home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LIFEMAP_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("LIFEMAP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LIFEMAP_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Extraction.WorkerCount = v
		}
	}
	if raw := os.Getenv("LIFEMAP_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Extraction.BatchSize = v
		}
	}
	if raw := os.Getenv("LIFEMAP_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Extraction.PollIntervalMS = v
		}
	}
	if raw := os.Getenv("LIFEMAP_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Extraction.MaxRetries = v
		}
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "lifemap.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "*/5 * * * *"
	}
	if cfg.Extraction.WorkerCount <= 0 {
		cfg.Extraction.WorkerCount = 2
	}
	if cfg.Extraction.BatchSize <= 0 {
		cfg.Extraction.BatchSize = 5
	}
	if cfg.Extraction.PollIntervalMS <= 0 {
		cfg.Extraction.PollIntervalMS = 2000
	}
	if cfg.Extraction.MaxRetries <= 0 {
		cfg.Extraction.MaxRetries = 3
	}
	if cfg.Extraction.StaleAfterSeconds <= 0 {
		cfg.Extraction.StaleAfterSeconds = 300
	}
	if cfg.Knowledge.WorkerCount <= 0 {
		cfg.Knowledge.WorkerCount = 1
	}
	if cfg.Knowledge.QueueDepth <= 0 {
		cfg.Knowledge.QueueDepth = 32
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.EmbedModel == "" {
		cfg.LLM.EmbedModel = "gemini-embedding-001"
	}
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a process is running with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|batch=%d|poll=%d|retries=%d|stale=%d|kworkers=%d|model=%s|log=%s",
		c.Extraction.WorkerCount, c.Extraction.BatchSize, c.Extraction.PollIntervalMS,
		c.Extraction.MaxRetries, c.Extraction.StaleAfterSeconds,
		c.Knowledge.WorkerCount, c.LLM.Model, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
