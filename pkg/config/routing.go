package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/switchboard/pkg/logging"
)

// RoutingConfig holds backends, routing rules and reliability tuning.
type RoutingConfig struct {
	Backends           []BackendConfig     `yaml:"backends"`
	TaskTypes          map[string]TaskType `yaml:"task_types"`
	ComplexityTriggers []string            `yaml:"complexity_triggers,omitempty"`

	FailureThreshold           int     `yaml:"failure_threshold,omitempty"`
	CircuitTimeoutMs           int     `yaml:"circuit_timeout_ms,omitempty"`
	HalfOpenMaxCalls           int     `yaml:"half_open_max_calls,omitempty"`
	FailureWindowMs            int     `yaml:"failure_window_ms,omitempty"`
	EMAAlpha                   float64 `yaml:"ema_alpha,omitempty"`
	MinSamples                 int     `yaml:"min_samples,omitempty"`
	ConfidenceDecay            float64 `yaml:"confidence_decay,omitempty"`
	LocalTimeoutMs             int     `yaml:"local_timeout_ms,omitempty"`
	RemoteTimeoutMs            int     `yaml:"remote_timeout_ms,omitempty"`
	SizeOverrideThresholdBytes int     `yaml:"size_override_threshold_bytes,omitempty"`
	CacheTTLMs                 int     `yaml:"cache_ttl_ms,omitempty"`
	CacheSize                  int     `yaml:"cache_size,omitempty"`
	// MaxRunCostUSD caps the estimated spend of one run; zero disables it.
	MaxRunCostUSD float64 `yaml:"max_run_cost_usd,omitempty"`

	Health   HealthConfig   `yaml:"health,omitempty"`
	Snapshot SnapshotConfig `yaml:"snapshot,omitempty"`
	Evidence EvidenceConfig `yaml:"evidence,omitempty"`
	Verify   VerifyConfig   `yaml:"verify,omitempty"`
	Logging  logging.Config `yaml:"logging,omitempty"`
	Pricing  PricingConfig  `yaml:"pricing,omitempty"`
}

// BackendConfig describes one execution backend.
type BackendConfig struct {
	ID              string   `yaml:"id"`
	Kind            string   `yaml:"kind"` // local or remote
	Adapter         string   `yaml:"adapter"`
	Model           string   `yaml:"model"`
	Specializations []string `yaml:"specializations,omitempty"`
	// Priority orders backends; lower is preferred.
	Priority  int  `yaml:"priority"`
	TimeoutMs int  `yaml:"timeout_ms,omitempty"`
	Unlimited bool `yaml:"unlimited,omitempty"`
	// Terminal marks the always-available backend appended to every chain.
	Terminal bool `yaml:"terminal,omitempty"`
}

// Timeout returns the per-call timeout, or zero for the kind default.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// TaskType defines a category of tasks and the phrases that signal it.
type TaskType struct {
	Triggers []string `yaml:"triggers"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	TTLMs                int `yaml:"ttl_ms,omitempty"`
	DegradedLatencyMs    int `yaml:"degraded_latency_ms,omitempty"`
	LocalProbeTimeoutMs  int `yaml:"local_probe_timeout_ms,omitempty"`
	RemoteProbeTimeoutMs int `yaml:"remote_probe_timeout_ms,omitempty"`
}

// SnapshotConfig selects where learning state is persisted.
type SnapshotConfig struct {
	Driver     string `yaml:"driver,omitempty"` // file, sqlite or memory
	Path       string `yaml:"path,omitempty"`
	IntervalMs int    `yaml:"interval_ms,omitempty"`
}

// EvidenceConfig controls per-run trace output.
type EvidenceConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// VerifyConfig lists the gates every output must pass. A failing output is
// sent back to the same backend with repair instructions up to MaxRepairs
// times.
type VerifyConfig struct {
	Gates      []GateConfig `yaml:"gates,omitempty"`
	MaxRepairs int          `yaml:"max_repairs,omitempty"`
}

// GateConfig defines one output gate. A gate with a command runs it with the
// output on stdin; otherwise the output is matched against the patterns.
type GateConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command,omitempty"`
	Workdir string   `yaml:"workdir,omitempty"`
	Require []string `yaml:"require,omitempty"`
	Forbid  []string `yaml:"forbid,omitempty"`
}

// PricingConfig maps adapter -> model -> pricing.
type PricingConfig map[string]map[string]ModelPricing

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// LoadRoutingConfig reads routing configuration from a YAML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyRoutingDefaults(&cfg)
	return &cfg, nil
}

// DefaultRoutingConfig returns the default routing configuration.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{
		Backends: []BackendConfig{
			{
				ID:              "deepseek",
				Kind:            "remote",
				Adapter:         "deepseek",
				Model:           "deepseek-coder",
				Specializations: []string{"coding", "reasoning"},
				Priority:        10,
			},
			{
				ID:              "anthropic",
				Kind:            "remote",
				Adapter:         "anthropic",
				Model:           "claude-sonnet-4-20250514",
				Specializations: []string{"analysis", "coding"},
				Priority:        20,
			},
			{
				ID:              "openai",
				Kind:            "remote",
				Adapter:         "openai",
				Model:           "gpt-5.2-instant",
				Specializations: []string{"general"},
				Priority:        30,
			},
			{
				ID:              "google",
				Kind:            "remote",
				Adapter:         "google",
				Model:           "gemini-2.0-pro",
				Specializations: []string{"research"},
				Priority:        40,
			},
			{
				ID:        "local",
				Kind:      "local",
				Adapter:   "ollama",
				Model:     "qwen2.5-coder:7b",
				Priority:  100,
				Unlimited: true,
				Terminal:  true,
			},
		},
		TaskTypes: map[string]TaskType{
			"coding": {
				Triggers: []string{"implement", "code", "write a function", "refactor", "debug", "fix", "bug", "compile", "scaffold", "boilerplate"},
			},
			"analysis": {
				Triggers: []string{"review", "audit", "analyze", "evaluate", "explain", "security", "architecture"},
			},
			"reasoning": {
				Triggers: []string{"reason", "think through", "step by step", "prove", "derive", "calculate", "deduce"},
			},
			"research": {
				Triggers: []string{"research", "look up", "what is", "compare", "summarize"},
			},
		},
		ComplexityTriggers: []string{
			"architecture", "system design", "race condition", "deadlock", "memory leak",
			"migrate", "large refactor", "concurrency", "distributed",
		},
	}

	applyRoutingDefaults(cfg)
	return cfg
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CircuitTimeoutMs == 0 {
		cfg.CircuitTimeoutMs = 30000
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.FailureWindowMs == 0 {
		cfg.FailureWindowMs = 60000
	}
	if cfg.EMAAlpha == 0 {
		cfg.EMAAlpha = 0.2
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = 5
	}
	if cfg.ConfidenceDecay == 0 {
		cfg.ConfidenceDecay = 0.995
	}
	if cfg.LocalTimeoutMs == 0 {
		cfg.LocalTimeoutMs = 120000
	}
	if cfg.RemoteTimeoutMs == 0 {
		cfg.RemoteTimeoutMs = 30000
	}
	if cfg.SizeOverrideThresholdBytes == 0 {
		cfg.SizeOverrideThresholdBytes = 50000
	}
	if cfg.CacheTTLMs == 0 {
		cfg.CacheTTLMs = 300000
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1024
	}
	if cfg.Health.TTLMs == 0 {
		cfg.Health.TTLMs = 300000
	}
	if cfg.Health.DegradedLatencyMs == 0 {
		cfg.Health.DegradedLatencyMs = 5000
	}
	if cfg.Health.LocalProbeTimeoutMs == 0 {
		cfg.Health.LocalProbeTimeoutMs = 10000
	}
	if cfg.Health.RemoteProbeTimeoutMs == 0 {
		cfg.Health.RemoteProbeTimeoutMs = 3000
	}
	if cfg.Snapshot.Driver == "" {
		cfg.Snapshot.Driver = "file"
	}
	if cfg.Snapshot.IntervalMs == 0 {
		cfg.Snapshot.IntervalMs = 60000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = logging.FormatConsole
	}
	for i := range cfg.Backends {
		if cfg.Backends[i].Kind == "" {
			cfg.Backends[i].Kind = "remote"
		}
	}
}

// Validate checks backend definitions. At least one local backend is
// required since the fallback chain always ends on one.
func (c *RoutingConfig) Validate() error {
	if c == nil {
		return errors.New("routing config is nil")
	}
	if len(c.Backends) == 0 {
		return errors.New("no backends configured")
	}

	seen := make(map[string]bool, len(c.Backends))
	hasLocal := false
	terminals := 0
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %d: missing id", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %q: duplicate id", b.ID)
		}
		seen[b.ID] = true
		if b.Adapter == "" {
			return fmt.Errorf("backend %q: missing adapter", b.ID)
		}
		switch b.Kind {
		case "local":
			hasLocal = true
		case "remote":
		default:
			return fmt.Errorf("backend %q: kind must be local or remote, got %q", b.ID, b.Kind)
		}
		if b.Terminal {
			if b.Kind != "local" {
				return fmt.Errorf("backend %q: terminal backend must be local", b.ID)
			}
			terminals++
		}
	}
	if !hasLocal {
		return errors.New("at least one local backend is required")
	}
	if terminals > 1 {
		return errors.New("only one backend may be marked terminal")
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be in (0,1], got %v", c.EMAAlpha)
	}
	if c.ConfidenceDecay <= 0 || c.ConfidenceDecay > 1 {
		return fmt.Errorf("confidence_decay must be in (0,1], got %v", c.ConfidenceDecay)
	}
	for i, g := range c.Verify.Gates {
		if len(g.Command) == 0 && len(g.Require) == 0 && len(g.Forbid) == 0 {
			return fmt.Errorf("gate %d (%s): needs a command or patterns", i, g.Name)
		}
	}
	if c.Verify.MaxRepairs < 0 {
		return fmt.Errorf("verify.max_repairs must not be negative, got %d", c.Verify.MaxRepairs)
	}
	return nil
}

// ResolveModels rewrites backend model aliases to canonical names.
func (c *RoutingConfig) ResolveModels(aliases *ModelAliases) {
	if c == nil {
		return
	}
	for i := range c.Backends {
		c.Backends[i].Model = aliases.Resolve(c.Backends[i].Model)
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c *RoutingConfig) CircuitTimeout() time.Duration { return ms(c.CircuitTimeoutMs) }
func (c *RoutingConfig) FailureWindow() time.Duration { return ms(c.FailureWindowMs) }
func (c *RoutingConfig) LocalTimeout() time.Duration { return ms(c.LocalTimeoutMs) }
func (c *RoutingConfig) RemoteTimeout() time.Duration { return ms(c.RemoteTimeoutMs) }
func (c *RoutingConfig) CacheTTL() time.Duration { return ms(c.CacheTTLMs) }
func (c *RoutingConfig) SnapshotInterval() time.Duration { return ms(c.Snapshot.IntervalMs) }

func (h HealthConfig) TTL() time.Duration { return ms(h.TTLMs) }
func (h HealthConfig) DegradedLatency() time.Duration { return ms(h.DegradedLatencyMs) }
func (h HealthConfig) LocalProbeTimeout() time.Duration { return ms(h.LocalProbeTimeoutMs) }
func (h HealthConfig) RemoteProbeTimeout() time.Duration { return ms(h.RemoteProbeTimeoutMs) }
