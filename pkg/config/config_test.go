package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigFallsBackToFileAPIKeys(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SWITCHBOARD_HOME", home)

	data := []byte("api_keys:\n  anthropic: file-ant\n  deepseek: file-deepseek\nollama_host: http://gpu-box:11434\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "env-deepseek")
	t.Setenv("OLLAMA_HOST", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "file-ant" {
		t.Errorf("expected file key, got %q", cfg.AnthropicAPIKey)
	}
	if cfg.DeepSeekAPIKey != "env-deepseek" {
		t.Errorf("expected env key to win, got %q", cfg.DeepSeekAPIKey)
	}
	if cfg.OllamaHost != "http://gpu-box:11434" {
		t.Errorf("unexpected ollama host %q", cfg.OllamaHost)
	}
	if cfg.HasAdapter("openai") {
		t.Error("openai should not be available without a key")
	}
	if !cfg.HasAdapter("ollama") {
		t.Error("ollama should always be available")
	}
}

func TestDefaultRoutingConfig(t *testing.T) {
	cfg := DefaultRoutingConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.FailureThreshold != 5 || cfg.HalfOpenMaxCalls != 1 || cfg.MinSamples != 5 {
		t.Errorf("unexpected breaker/learning defaults: %+v", cfg)
	}
	if cfg.CircuitTimeout() != 30*time.Second {
		t.Errorf("CircuitTimeout() = %v", cfg.CircuitTimeout())
	}
	if cfg.SizeOverrideThresholdBytes != 50000 {
		t.Errorf("SizeOverrideThresholdBytes = %d", cfg.SizeOverrideThresholdBytes)
	}
	if cfg.EMAAlpha != 0.2 || cfg.ConfidenceDecay != 0.995 {
		t.Errorf("unexpected EMA defaults: %v %v", cfg.EMAAlpha, cfg.ConfidenceDecay)
	}
	if cfg.LocalTimeout() <= cfg.RemoteTimeout() {
		t.Error("local timeout should be longer than remote")
	}
	if cfg.Health.LocalProbeTimeout() <= cfg.Health.RemoteProbeTimeout() {
		t.Error("local probe timeout should be longer than remote")
	}
	if cfg.CacheTTL() != 5*time.Minute {
		t.Errorf("CacheTTL() = %v", cfg.CacheTTL())
	}
}

func TestLoadRoutingConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	content := `
backends:
  - id: local
    kind: local
    adapter: ollama
    model: llama3.1:8b
    priority: 1
  - id: remote
    adapter: deepseek
    model: deepseek-chat
    priority: 2
    timeout_ms: 1500
failure_threshold: 3
ema_alpha: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadRoutingConfig(path)
	if err != nil {
		t.Fatalf("LoadRoutingConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.FailureThreshold != 3 || cfg.EMAAlpha != 0.5 {
		t.Errorf("explicit values not kept: %d %v", cfg.FailureThreshold, cfg.EMAAlpha)
	}
	if cfg.CircuitTimeoutMs != 30000 {
		t.Errorf("default circuit timeout not applied: %d", cfg.CircuitTimeoutMs)
	}
	if cfg.Backends[1].Kind != "remote" {
		t.Errorf("backend kind default = %q", cfg.Backends[1].Kind)
	}
	if cfg.Backends[1].Timeout() != 1500*time.Millisecond {
		t.Errorf("backend timeout = %v", cfg.Backends[1].Timeout())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		backends []BackendConfig
		wantErr  bool
	}{
		{
			name:     "no backends",
			backends: nil,
			wantErr:  true,
		},
		{
			name:     "remote only",
			backends: []BackendConfig{{ID: "r", Kind: "remote", Adapter: "openai"}},
			wantErr:  true,
		},
		{
			name: "duplicate id",
			backends: []BackendConfig{
				{ID: "l", Kind: "local", Adapter: "ollama"},
				{ID: "l", Kind: "remote", Adapter: "openai"},
			},
			wantErr: true,
		},
		{
			name: "remote terminal",
			backends: []BackendConfig{
				{ID: "l", Kind: "local", Adapter: "ollama"},
				{ID: "r", Kind: "remote", Adapter: "openai", Terminal: true},
			},
			wantErr: true,
		},
		{
			name: "valid",
			backends: []BackendConfig{
				{ID: "l", Kind: "local", Adapter: "ollama", Terminal: true},
				{ID: "r", Kind: "remote", Adapter: "openai"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &RoutingConfig{Backends: tt.backends}
			applyRoutingDefaults(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateGates(t *testing.T) {
	cfg := DefaultRoutingConfig()
	cfg.Verify.Gates = []GateConfig{{Name: "lint", Command: []string{"golint"}}, {Name: "shape", Forbid: []string{"TODO"}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid gates rejected: %v", err)
	}

	cfg.Verify.Gates = append(cfg.Verify.Gates, GateConfig{Name: "empty"})
	if err := cfg.Validate(); err == nil {
		t.Error("gate without command or patterns should be rejected")
	}

	cfg.Verify.Gates = nil
	cfg.Verify.MaxRepairs = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative max_repairs should be rejected")
	}
}
