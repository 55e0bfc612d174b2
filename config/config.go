// Package config loads the convomesh configuration from YAML, .env files and
// CONVOMESH_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/convomesh/flow"
	"github.com/hupe1980/convomesh/memory"
	"github.com/hupe1980/convomesh/provider"
	"github.com/hupe1980/convomesh/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVOMESH_"

// Config is the root configuration.
type Config struct {
	Log       LogConfig               `yaml:"log"`
	Memory    MemoryConfig            `yaml:"memory"`
	Sessions  SessionConfig           `yaml:"sessions"`
	Providers []provider.Descriptor   `yaml:"providers"`
	Breaker   provider.BreakerConfig  `yaml:"breaker"`
	Retry     provider.RetryPolicy    `yaml:"retry"`
	Engine    EngineConfig            `yaml:"engine"`
	Runner    RunnerConfig            `yaml:"runner"`
	Telemetry telemetry.Config        `yaml:"telemetry"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Workflows []flow.Graph            `yaml:"workflows,omitempty"`
	Tenants   map[string]TenantConfig `yaml:"tenants,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MemoryConfig selects and tunes the memory tiers.
type MemoryConfig struct {
	// Backend stores short-term windows and long-term documents: memory or sqlite.
	Backend          string        `yaml:"backend"`
	Path             string        `yaml:"path,omitempty"`
	Window           int           `yaml:"window"`
	TTL              time.Duration `yaml:"ttl"`
	IOTimeout        time.Duration `yaml:"io_timeout"`
	SummaryThreshold int           `yaml:"summary_threshold"`
	// Janitor is the cron spec of the expiry purge. Empty disables it.
	Janitor   string          `yaml:"janitor,omitempty"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding,omitempty"`
}

// VectorConfig selects the similarity search backend.
type VectorConfig struct {
	// Backend is none, memory, sqlite, pgvector or qdrant.
	Backend    string       `yaml:"backend"`
	DSN        string       `yaml:"dsn,omitempty"`
	Dimensions int          `yaml:"dimensions,omitempty"`
	Qdrant     QdrantConfig `yaml:"qdrant,omitempty"`
}

type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// SessionConfig selects the thread and run store.
type SessionConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend string `yaml:"backend"`
	// DSN is the sqlite path or the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

type EngineConfig struct {
	MaxModelCalls   int    `yaml:"max_model_calls"`
	MaxParallel     int    `yaml:"max_parallel"`
	BlockedResponse string `yaml:"blocked_response,omitempty"`
}

type RunnerConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	MaxWait         time.Duration `yaml:"max_wait"`
	RunBudget       time.Duration `yaml:"run_budget"`
	DefaultWorkflow string        `yaml:"default_workflow"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TenantConfig seeds the threads of one tenant.
type TenantConfig struct {
	Language string `yaml:"language,omitempty"`
	Workflow string `yaml:"workflow,omitempty"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Memory: MemoryConfig{
			Backend:          "memory",
			Window:           memory.DefaultWindow,
			TTL:              memory.DefaultTTL,
			IOTimeout:        2 * time.Second,
			SummaryThreshold: 15,
			Vector:           VectorConfig{Backend: "none"},
		},
		Sessions: SessionConfig{Backend: "memory"},
		Breaker:  provider.DefaultBreakerConfig(),
		Retry:    provider.DefaultRetryPolicy(),
		Engine:   EngineConfig{MaxModelCalls: 20, MaxParallel: 4},
		Runner: RunnerConfig{
			Workers:         10,
			QueueSize:       100,
			MaxWait:         30 * time.Second,
			RunBudget:       90 * time.Second,
			DefaultWorkflow: flow.VariantChat,
		},
		Telemetry: telemetry.Config{ServiceName: "convomesh"},
		Metrics:   MetricsConfig{Listen: ":9090"},
	}
}

// Load reads path over the defaults, expands ${VAR} references, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CONVOMESH_* variables.
func (c *Config) ApplyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("MEMORY_BACKEND", &c.Memory.Backend)
	str("MEMORY_PATH", &c.Memory.Path)
	num("MEMORY_WINDOW", &c.Memory.Window)
	str("VECTOR_BACKEND", &c.Memory.Vector.Backend)
	str("VECTOR_DSN", &c.Memory.Vector.DSN)
	str("SESSION_BACKEND", &c.Sessions.Backend)
	str("SESSION_DSN", &c.Sessions.DSN)
	num("RUNNER_WORKERS", &c.Runner.Workers)
	dur("RUNNER_MAX_WAIT", &c.Runner.MaxWait)
	dur("RUNNER_RUN_BUDGET", &c.Runner.RunBudget)
	str("OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("METRICS_LISTEN", &c.Metrics.Listen)

	return errors.Join(errs...)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Memory.Backend {
	case "memory":
	case "sqlite":
		if c.Memory.Path == "" {
			add("memory.path is required for the sqlite backend")
		}
	default:
		add("memory.backend: unknown backend %q", c.Memory.Backend)
	}
	if c.Memory.Window <= 0 {
		add("memory.window must be positive")
	}
	if c.Memory.TTL <= 0 {
		add("memory.ttl must be positive")
	}
	if c.Memory.SummaryThreshold < 0 {
		add("memory.summary_threshold must not be negative")
	}

	switch c.Memory.Vector.Backend {
	case "", "none", "memory":
	case "sqlite":
		if c.Memory.Backend != "sqlite" {
			add("memory.vector.backend sqlite requires memory.backend sqlite")
		}
	case "pgvector":
		if c.Memory.Vector.DSN == "" {
			add("memory.vector.dsn is required for pgvector")
		}
		if c.Memory.Vector.Dimensions <= 0 {
			add("memory.vector.dimensions must be positive for pgvector")
		}
	case "qdrant":
		if c.Memory.Vector.Qdrant.Host == "" || c.Memory.Vector.Qdrant.Collection == "" {
			add("memory.vector.qdrant requires host and collection")
		}
	default:
		add("memory.vector.backend: unknown backend %q", c.Memory.Vector.Backend)
	}

	switch c.Sessions.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Sessions.DSN == "" {
			add("sessions.dsn is required for the %s backend", c.Sessions.Backend)
		}
	default:
		add("sessions.backend: unknown backend %q", c.Sessions.Backend)
	}

	seen := map[provider.Key]bool{}
	for i, d := range c.Providers {
		if err := d.Validate(); err != nil {
			add("providers[%d]: %w", i, err)
			continue
		}
		if seen[d.Key()] {
			add("providers[%d]: duplicate provider %s", i, d.Key())
		}
		seen[d.Key()] = true
	}

	if c.Breaker.Threshold <= 0 {
		add("breaker.threshold must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.Engine.MaxModelCalls <= 0 {
		add("engine.max_model_calls must be positive")
	}
	if c.Runner.Workers <= 0 {
		add("runner.workers must be positive")
	}
	if c.Runner.MaxWait <= 0 || c.Runner.RunBudget <= 0 {
		add("runner.max_wait and runner.run_budget must be positive")
	}

	for i, g := range c.Workflows {
		if err := g.Validate(); err != nil {
			add("workflows[%d]: %w", i, err)
		}
	}

	return errors.Join(errs...)
}
