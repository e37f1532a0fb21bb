// Package config loads toolgate settings from a YAML file, an optional
// .env file and the process environment, in that order of precedence
// (later wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/budget"
	"github.com/ppiankov/toolgate/internal/coordinator"
	"github.com/ppiankov/toolgate/internal/registry"
	"github.com/ppiankov/toolgate/internal/routing"
	"github.com/ppiankov/toolgate/internal/sandbox"
)

// Audit backends.
const (
	BackendLog      = "log"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type AuditConfig struct {
	Backend string `yaml:"backend"`
	// Path is the JSONL file for the log backend or the database file for sqlite.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type ApprovalConfig struct {
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SandboxConfig struct {
	Interpreter    []string      `yaml:"interpreter"`
	CPUSeconds     int           `yaml:"cpu_seconds"`
	MemoryBytes    int64         `yaml:"memory_bytes"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

type RegistryConfig struct {
	MaxColdStartTools   int           `yaml:"max_cold_start_tools"`
	Concurrency         int           `yaml:"concurrency"`
	DiscoveryInterval   time.Duration `yaml:"discovery_interval"`
	SchemaCheckInterval time.Duration `yaml:"schema_check_interval"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

type ExecutionConfig struct {
	Strategy             string        `yaml:"strategy"`
	StopOnApprovalDenied bool          `yaml:"stop_on_approval_denied"`
	StopOnWorkerError    bool          `yaml:"stop_on_worker_error"`
	ApprovalWait         time.Duration `yaml:"approval_wait"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

// Config is the full toolgate configuration.
type Config struct {
	Profile      string              `yaml:"profile"`
	RegistryPath string              `yaml:"registry_path"`
	Audit        AuditConfig         `yaml:"audit"`
	Approval     ApprovalConfig      `yaml:"approval"`
	Sandbox      SandboxConfig       `yaml:"sandbox"`
	Registry     RegistryConfig      `yaml:"registry"`
	Execution    ExecutionConfig     `yaml:"execution"`
	Log          LogConfig           `yaml:"log"`
	Alerts       []alert.AlertConfig `yaml:"alerts"`
	NATS         NATSConfig          `yaml:"nats"`
}

// Dir returns ~/.toolgate, or .toolgate when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}
	return filepath.Join(home, ".toolgate")
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	dir := Dir()
	return &Config{
		Profile:      budget.DefaultProfile,
		RegistryPath: filepath.Join(dir, "registry.yaml"),
		Audit: AuditConfig{
			Backend: BackendLog,
			Path:    filepath.Join(dir, "audit.jsonl"),
		},
		Approval: ApprovalConfig{
			Dir:          filepath.Join(dir, "pending"),
			PollInterval: 500 * time.Millisecond,
		},
		Sandbox: SandboxConfig{
			Interpreter:    append([]string(nil), sandbox.DefaultInterpreter...),
			CPUSeconds:     sandbox.DefaultCPUSeconds,
			MemoryBytes:    sandbox.DefaultMemoryBytes,
			Timeout:        sandbox.DefaultTimeout,
			MaxOutputBytes: sandbox.DefaultMaxOutputBytes,
		},
		Registry: RegistryConfig{
			MaxColdStartTools:   registry.DefaultMaxColdStartTools,
			Concurrency:         registry.DefaultConcurrency,
			DiscoveryInterval:   registry.DefaultDiscoveryInterval,
			SchemaCheckInterval: registry.DefaultSchemaCheckInterval,
			CacheTTL:            registry.DefaultCacheTTL,
			ProbeTimeout:        registry.DefaultProbeTimeout,
		},
		Execution: ExecutionConfig{Strategy: routing.StrategyRoundRobin},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the YAML file at path on top of the defaults, then the .env
// file at envFile, then environment overrides. An empty path falls back
// to ~/.toolgate/config.yaml. Missing files are not errors; unknown YAML
// keys are.
func Load(path, envFile string) (*Config, error) {
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if envFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from TOOLGATE_* variables.
func (c *Config) ApplyEnv(lookup budget.LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TOOLGATE_PROFILE", &c.Profile)
	str("TOOLGATE_REGISTRY", &c.RegistryPath)
	str("TOOLGATE_AUDIT_BACKEND", &c.Audit.Backend)
	str("TOOLGATE_AUDIT_PATH", &c.Audit.Path)
	str("TOOLGATE_AUDIT_DSN", &c.Audit.DSN)
	str("TOOLGATE_APPROVAL_DIR", &c.Approval.Dir)
	str("TOOLGATE_ROUTING_STRATEGY", &c.Execution.Strategy)
	str("TOOLGATE_LOG_LEVEL", &c.Log.Level)
	str("TOOLGATE_LOG_FORMAT", &c.Log.Format)
	str("TOOLGATE_NATS_URL", &c.NATS.URL)

	if v, ok := lookup("TOOLGATE_SANDBOX_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: TOOLGATE_SANDBOX_TIMEOUT: %w", err)
		}
		c.Sandbox.Timeout = d
	}
	if v, ok := lookup("TOOLGATE_SANDBOX_CPU_SECONDS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: TOOLGATE_SANDBOX_CPU_SECONDS: %w", err)
		}
		c.Sandbox.CPUSeconds = n
	}
	return nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	switch c.Audit.Backend {
	case BackendLog, BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Audit.DSN == "" {
			return errors.New("config: audit.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}
	if _, err := routing.New(c.Execution.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.Sandbox.Interpreter) == 0 || strings.TrimSpace(c.Sandbox.Interpreter[0]) == "" {
		return errors.New("config: sandbox.interpreter must name a program")
	}
	if c.Sandbox.CPUSeconds < 0 || c.Sandbox.MemoryBytes < 0 || c.Sandbox.Timeout < 0 {
		return errors.New("config: sandbox limits must be >= 0")
	}
	if c.Execution.ApprovalWait < 0 {
		return errors.New("config: execution.approval_wait must be >= 0")
	}
	if _, err := c.Budget(nil); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Budget returns the active profile's budget with env overrides applied.
func (c *Config) Budget(lookup budget.LookupFunc) (budget.ToolBudget, error) {
	return budget.ProfileBudget(c.Profile, lookup)
}

// RunnerConfig maps sandbox settings onto the subprocess runner.
func (c *Config) RunnerConfig() sandbox.RunnerConfig {
	return sandbox.RunnerConfig{
		Interpreter:    append([]string(nil), c.Sandbox.Interpreter...),
		CPUSeconds:     c.Sandbox.CPUSeconds,
		MemoryBytes:    c.Sandbox.MemoryBytes,
		Timeout:        c.Sandbox.Timeout,
		MaxOutputBytes: c.Sandbox.MaxOutputBytes,
	}
}

// MonitorConfig maps registry settings onto the health monitor.
func (c *Config) MonitorConfig() registry.Config {
	return registry.Config{
		MaxColdStartTools:   c.Registry.MaxColdStartTools,
		Concurrency:         c.Registry.Concurrency,
		DiscoveryInterval:   c.Registry.DiscoveryInterval,
		SchemaCheckInterval: c.Registry.SchemaCheckInterval,
		CacheTTL:            c.Registry.CacheTTL,
		ProbeTimeout:        c.Registry.ProbeTimeout,
	}
}

// CoordinatorConfig maps execution settings onto the coordinator.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		StopOnApprovalDenied: c.Execution.StopOnApprovalDenied,
		StopOnWorkerError:    c.Execution.StopOnWorkerError,
		ApprovalWait:         c.Execution.ApprovalWait,
	}
}
