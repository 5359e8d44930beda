// Package config holds all cppdex service configuration: store, writer,
// extractor, query, context, recall, sync, server, and logging settings.
// Values come from defaults, an optional YAML file, then environment
// overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store     StoreConfig     `yaml:"store"`
	Writer    WriterConfig    `yaml:"writer"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Query     QueryConfig     `yaml:"query"`
	Context   ContextConfig   `yaml:"context"`
	Recall    RecallConfig    `yaml:"recall"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the embedded SQLite store.
type StoreConfig struct {
	// DatabasePath is resolved relative to the workspace root when not
	// absolute.
	DatabasePath string `yaml:"database_path"`
	BusyTimeout  string `yaml:"busy_timeout"`
}

// WriterConfig configures the single-writer pipeline.
type WriterConfig struct {
	QueueCapacity int    `yaml:"queue_capacity"`
	BatchSize     int    `yaml:"batch_size"`
	BatchWindow   string `yaml:"batch_window"`
	MaxRetries    int    `yaml:"max_retries"`
}

// ExtractorConfig configures the native extractor driver.
type ExtractorConfig struct {
	// BinaryPath is the extractor executable; looked up on PATH when bare.
	BinaryPath      string `yaml:"binary_path"`
	MaxParseWorkers int    `yaml:"max_parse_workers"`
	ParseTimeout    string `yaml:"parse_timeout"`
}

// QueryConfig configures the orchestrator.
type QueryConfig struct {
	MaxParseBudget int    `yaml:"max_parse_budget"`
	Deadline       string `yaml:"deadline"`
	MaxRepoHops    int    `yaml:"max_repo_hops"`
}

// ContextConfig configures overlay caps and GC.
type ContextConfig struct {
	MaxOverlayFiles int    `yaml:"max_overlay_files"`
	MaxOverlayRows  int64  `yaml:"max_overlay_rows"`
	TTL             string `yaml:"ttl"`
	GCInterval      string `yaml:"gc_interval"`
}

// RecallConfig configures candidate recall.
type RecallConfig struct {
	MaxResults      int      `yaml:"max_results"`
	RipgrepPath     string   `yaml:"ripgrep_path"`
	SearchTimeout   string   `yaml:"search_timeout"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// SyncConfig configures the sync job engine.
type SyncConfig struct {
	Workers      int    `yaml:"workers"`
	MaxAttempts  int    `yaml:"max_attempts"`
	LeaseTTL     string `yaml:"lease_ttl"`
	PollInterval string `yaml:"poll_interval"`
	GitPath      string `yaml:"git_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cppdex",
		Version: "0.3.0",

		Store: StoreConfig{
			DatabasePath: ".cppdex/cppdex.db",
			BusyTimeout:  "5s",
		},
		Writer: WriterConfig{
			QueueCapacity: 1024,
			BatchSize:     64,
			BatchWindow:   "25ms",
			MaxRetries:    5,
		},
		Extractor: ExtractorConfig{
			BinaryPath:      "cxx-extractor",
			MaxParseWorkers: runtime.NumCPU(),
			ParseTimeout:    "120s",
		},
		Query: QueryConfig{
			MaxParseBudget: 15,
			Deadline:       "3s",
			MaxRepoHops:    4,
		},
		Context: ContextConfig{
			MaxOverlayFiles: 5000,
			MaxOverlayRows:  2_000_000,
			TTL:             "72h",
			GCInterval:      "10m",
		},
		Recall: RecallConfig{
			MaxResults:    200,
			RipgrepPath:   "rg",
			SearchTimeout: "30s",
			ExcludePatterns: []string{
				".git", "node_modules", "build", "out",
				"*.o", "*.obj", "*.pch", "*.min.js",
			},
		},
		Sync: SyncConfig{
			Workers:      2,
			MaxAttempts:  5,
			LeaseTTL:     "60s",
			PollInterval: "2s",
			GitPath:      "git",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7421",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the operational environment overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CPPDEX_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("CPPDEX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
		if v == "debug" {
			c.Logging.DebugMode = true
		}
	}
	if v := os.Getenv("CPPDEX_MAX_PARSE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Extractor.MaxParseWorkers = n
		}
	}
	if v := os.Getenv("CPPDEX_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Duration parses a duration string with a fallback. Teacher-style string
// durations keep the YAML human-editable.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
