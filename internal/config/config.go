// Package config provides configuration loading for swarm.
//
// A Config is built once at startup (defaults, then file, then environment)
// and handed by value to the orchestrator and its collaborators. Nothing
// mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config holds the complete swarm configuration.
type Config struct {
	Offline   bool            `koanf:"offline" yaml:"offline"`
	Workspace WorkspaceConfig `koanf:"workspace" yaml:"workspace"`
	Models    ModelsConfig    `koanf:"models" yaml:"models"`
	Agent     AgentConfig     `koanf:"agent" yaml:"agent"`
	Executor  ExecutorConfig  `koanf:"executor" yaml:"executor"`
	Safety    SafetyConfig    `koanf:"safety" yaml:"safety"`
	Memory    MemoryConfig    `koanf:"memory" yaml:"memory"`
	Skills    SkillsConfig    `koanf:"skills" yaml:"skills"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`
}

// WorkspaceConfig locates the confined directory tree the agent works in.
type WorkspaceConfig struct {
	Root string `koanf:"root" yaml:"root"`
}

// CatalogEntry describes one locally available model.
type CatalogEntry struct {
	Name         string    `koanf:"name" yaml:"name"`
	Tier         ModelTier `koanf:"tier" yaml:"tier"`
	Capabilities []string  `koanf:"capabilities" yaml:"capabilities"`
}

// ModelsConfig selects models and bounds model calls.
type ModelsConfig struct {
	Endpoint       string         `koanf:"endpoint" yaml:"endpoint"`
	Primary        string         `koanf:"primary" yaml:"primary"` // "auto" selects from Catalog
	Router         string         `koanf:"router" yaml:"router"`
	Voters         []string       `koanf:"voters" yaml:"voters"`
	Embedding      string         `koanf:"embedding" yaml:"embedding"`
	Temperature    float64        `koanf:"temperature" yaml:"temperature"`
	MaxTokens      int            `koanf:"max_tokens" yaml:"max_tokens"`
	RequestTimeout Duration       `koanf:"request_timeout" yaml:"request_timeout"`
	MaxRetries     int            `koanf:"max_retries" yaml:"max_retries"`
	RetryBackoff   Duration       `koanf:"retry_backoff" yaml:"retry_backoff"`
	MaxBackoff     Duration       `koanf:"max_backoff" yaml:"max_backoff"`
	RateLimit      float64        `koanf:"rate_limit" yaml:"rate_limit"` // calls per second, 0 disables
	Catalog        []CatalogEntry `koanf:"catalog" yaml:"catalog"`
}

// AgentConfig bounds the control loop.
type AgentConfig struct {
	Mode                   string `koanf:"mode" yaml:"mode"`
	MaxIterations          int    `koanf:"max_iterations" yaml:"max_iterations"`
	MaxConsecutiveFailures int    `koanf:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MalformedRetries       int    `koanf:"malformed_retries" yaml:"malformed_retries"`
	Proposals              int    `koanf:"proposals" yaml:"proposals"`
	ContextIterations      int    `koanf:"context_iterations" yaml:"context_iterations"`
	CompleteOnSuccess      bool   `koanf:"complete_on_success" yaml:"complete_on_success"`
	RegisterAccepted       bool   `koanf:"register_accepted" yaml:"register_accepted"`
}

// ExecutorConfig controls how generated code is run.
type ExecutorConfig struct {
	Runtime          string   `koanf:"runtime" yaml:"runtime"` // subprocess | starlark
	Interpreter      []string `koanf:"interpreter" yaml:"interpreter"`
	Timeout          Duration `koanf:"timeout" yaml:"timeout"`
	KillGrace        Duration `koanf:"kill_grace" yaml:"kill_grace"`
	MaxOutputBytes   int      `koanf:"max_output_bytes" yaml:"max_output_bytes"`
	Isolation        string   `koanf:"isolation" yaml:"isolation"` // none | bwrap
	Guard            bool     `koanf:"guard" yaml:"guard"`
	StarlarkMaxSteps uint64   `koanf:"starlark_max_steps" yaml:"starlark_max_steps"`
}

// SafetyConfig controls the Safety Gate policy.
type SafetyConfig struct {
	PolicyFile     string   `koanf:"policy_file" yaml:"policy_file"`
	DisabledRules  []string `koanf:"disabled_rules" yaml:"disabled_rules"`
	MaxCodeBytes   int      `koanf:"max_code_bytes" yaml:"max_code_bytes"`
	MaxTimeout     Duration `koanf:"max_timeout" yaml:"max_timeout"`
	MaxOutputBytes int      `koanf:"max_output_bytes" yaml:"max_output_bytes"`
}

// MemoryConfig selects the Memory Store backend.
type MemoryConfig struct {
	Backend string `koanf:"backend" yaml:"backend"` // file | sqlite
	Dir     string `koanf:"dir" yaml:"dir"`
	// ScrubAllowlist holds regexes for values the secret scrubber must keep,
	// e.g. fixture keys printed by tests.
	ScrubAllowlist []string `koanf:"scrub_allowlist" yaml:"scrub_allowlist,omitempty"`
}

// SkillsConfig controls the Skill Registry.
type SkillsConfig struct {
	Dir            string `koanf:"dir" yaml:"dir"`
	Watch          bool   `koanf:"watch" yaml:"watch"`
	History        bool   `koanf:"history" yaml:"history"`
	SemanticSearch bool   `koanf:"semantic_search" yaml:"semantic_search"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// TelemetryConfig controls OpenTelemetry export. Disabled by default.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled" yaml:"enabled"`
	Endpoint       string   `koanf:"endpoint" yaml:"endpoint"`
	Protocol       string   `koanf:"protocol" yaml:"protocol"` // grpc | http/protobuf
	Insecure       bool     `koanf:"insecure" yaml:"insecure"`
	ServiceName    string   `koanf:"service_name" yaml:"service_name"`
	ServiceVersion string   `koanf:"service_version" yaml:"service_version"`
	SampleRate     float64  `koanf:"sample_rate" yaml:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval" yaml:"export_interval"`
	ShutdownWait   Duration `koanf:"shutdown_wait" yaml:"shutdown_wait"`
}

// MetricsConfig controls the optional local Prometheus endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	root := "~/.swarm/workspace"
	return &Config{
		Workspace: WorkspaceConfig{Root: root},
		Models: ModelsConfig{
			Endpoint:       "http://127.0.0.1:11434",
			Primary:        "auto",
			Router:         "qwen2.5:0.5b",
			Voters:         []string{"qwen2.5:0.5b", "tinyllama", "phi3:mini"},
			Embedding:      "nomic-embed-text",
			Temperature:    0.2,
			MaxTokens:      2048,
			RequestTimeout: Duration(120 * time.Second),
			MaxRetries:     3,
			RetryBackoff:   Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(8 * time.Second),
			RateLimit:      2,
			Catalog:        DefaultCatalog(),
		},
		Agent: AgentConfig{
			Mode:                   "model-central",
			MaxIterations:          12,
			MaxConsecutiveFailures: 5,
			MalformedRetries:       2,
			Proposals:              1,
			ContextIterations:      6,
			CompleteOnSuccess:      true,
			RegisterAccepted:       true,
		},
		Executor: ExecutorConfig{
			Runtime:          "subprocess",
			Interpreter:      []string{"python3", "-I"},
			Timeout:          Duration(15 * time.Second),
			KillGrace:        Duration(2 * time.Second),
			MaxOutputBytes:   64 * 1024,
			Isolation:        "none",
			Guard:            true,
			StarlarkMaxSteps: 50_000_000,
		},
		Safety: SafetyConfig{
			MaxCodeBytes:   64 * 1024,
			MaxTimeout:     Duration(5 * time.Minute),
			MaxOutputBytes: 1024 * 1024,
		},
		Memory: MemoryConfig{Backend: "file"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "swarm",
			ServiceVersion: "0.1.0",
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
			ShutdownWait:   Duration(5 * time.Second),
		},
	}
}

// DefaultCatalog lists the small local models swarm knows how to pick from.
func DefaultCatalog() []CatalogEntry {
	return []CatalogEntry{
		{Name: "qwen2.5:0.5b", Tier: TierTiny, Capabilities: []string{"routing", "voting"}},
		{Name: "tinyllama", Tier: TierTiny, Capabilities: []string{"voting"}},
		{Name: "phi3:mini", Tier: TierSmall, Capabilities: []string{"voting", "reasoning"}},
		{Name: "qwen2.5-coder:1.5b", Tier: TierSmall, Capabilities: []string{"coding"}},
		{Name: "qwen2.5-coder:7b", Tier: TierMedium, Capabilities: []string{"coding", "reasoning"}},
		{Name: "deepseek-coder-v2:16b", Tier: TierLarge, Capabilities: []string{"coding", "reasoning"}},
	}
}

// SkillsDir returns the configured skills directory, defaulting under the
// workspace root.
func (c *Config) SkillsDir() string {
	if c.Skills.Dir != "" {
		return c.Skills.Dir
	}
	return filepath.Join(c.Workspace.Root, "skills")
}

// MemoryDir returns the configured memory directory, defaulting under the
// workspace root.
func (c *Config) MemoryDir() string {
	if c.Memory.Dir != "" {
		return c.Memory.Dir
	}
	return filepath.Join(c.Workspace.Root, "memory")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}

	switch strings.ToLower(c.Agent.Mode) {
	case "model-central", "graph":
	default:
		errs = append(errs, fmt.Errorf("agent.mode must be model-central or graph, got %q", c.Agent.Mode))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxConsecutiveFailures < 1 {
		errs = append(errs, fmt.Errorf("agent.max_consecutive_failures must be >= 1, got %d", c.Agent.MaxConsecutiveFailures))
	}
	if c.Agent.MalformedRetries < 0 {
		errs = append(errs, fmt.Errorf("agent.malformed_retries must be >= 0, got %d", c.Agent.MalformedRetries))
	}
	if c.Agent.Proposals < 1 {
		errs = append(errs, fmt.Errorf("agent.proposals must be >= 1, got %d", c.Agent.Proposals))
	}

	if c.Models.Primary == "" {
		errs = append(errs, errors.New("models.primary is required"))
	}
	if c.Models.Primary == "auto" && len(c.Models.Catalog) == 0 {
		errs = append(errs, errors.New("models.catalog is required when models.primary is auto"))
	}
	if c.Models.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("models.max_retries must be >= 0, got %d", c.Models.MaxRetries))
	}
	if c.Models.RequestTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("models.request_timeout must be positive"))
	}
	if c.Models.RateLimit < 0 {
		errs = append(errs, errors.New("models.rate_limit must be >= 0"))
	}

	switch c.Executor.Runtime {
	case "subprocess":
		if len(c.Executor.Interpreter) == 0 {
			errs = append(errs, errors.New("executor.interpreter is required for the subprocess runtime"))
		}
	case "starlark":
	default:
		errs = append(errs, fmt.Errorf("executor.runtime must be subprocess or starlark, got %q", c.Executor.Runtime))
	}
	switch c.Executor.Isolation {
	case "none", "bwrap":
	default:
		errs = append(errs, fmt.Errorf("executor.isolation must be none or bwrap, got %q", c.Executor.Isolation))
	}
	if c.Executor.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	}
	if c.Safety.MaxTimeout.Duration() > 0 && c.Executor.Timeout.Duration() > c.Safety.MaxTimeout.Duration() {
		errs = append(errs, fmt.Errorf("executor.timeout %s exceeds safety.max_timeout %s",
			c.Executor.Timeout.Duration(), c.Safety.MaxTimeout.Duration()))
	}
	if c.Executor.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("executor.max_output_bytes must be positive"))
	}

	switch c.Memory.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("memory.backend must be file or sqlite, got %q", c.Memory.Backend))
	}
	for _, p := range c.Memory.ScrubAllowlist {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("memory.scrub_allowlist: %q: %w", p, err))
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
