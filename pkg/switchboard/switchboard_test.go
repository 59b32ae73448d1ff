package switchboard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/health"
	"github.com/zen-systems/switchboard/pkg/snapshot"
	"github.com/zen-systems/switchboard/pkg/task"
)

// mockAdapters returns one mock per adapter named in the default config.
func mockAdapters() map[string]*adapter.MockAdapter {
	mocks := make(map[string]*adapter.MockAdapter)
	for _, b := range config.DefaultRoutingConfig().Backends {
		mocks[b.Adapter] = adapter.NewMockAdapter()
	}
	return mocks
}

func asAdapters(mocks map[string]*adapter.MockAdapter) map[string]adapter.Adapter {
	out := make(map[string]adapter.Adapter, len(mocks))
	for name, m := range mocks {
		out[name] = m
	}
	return out
}

func testConfig() *config.RoutingConfig {
	cfg := config.DefaultRoutingConfig()
	cfg.Snapshot.Driver = snapshot.DriverMemory
	return cfg
}

func TestRunRoutesToSpecialist(t *testing.T) {
	mocks := mockAdapters()
	sb, err := New(testConfig(), asAdapters(mocks))
	require.NoError(t, err)
	defer sb.Close()

	res, err := sb.Run(context.Background(), task.Request{Prompt: "refactor the parser to remove the global"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", res.Backend)
	assert.Equal(t, task.SignalTaskSpecialization, res.Decision.WinningSignal)
	assert.Equal(t, 1, mocks["deepseek"].Calls("deepseek-coder"))

	summary := sb.LearningSummary()
	assert.Equal(t, 1, summary.TotalOutcomes)
	require.Len(t, summary.Backends, 1)
	assert.Equal(t, "deepseek", summary.Backends[0].ID)
}

func TestRunFallsBackToTerminal(t *testing.T) {
	mocks := mockAdapters()
	for name, m := range mocks {
		if name != "ollama" {
			m.FailModel(modelFor(t, name), &adapter.AdapterError{Status: 503, Temporary: true, Err: errors.New("overloaded")})
		}
	}
	sb, err := New(testConfig(), asAdapters(mocks))
	require.NoError(t, err)
	defer sb.Close()

	res, err := sb.Run(context.Background(), task.Request{Prompt: "review this architecture"})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Backend)
	assert.Equal(t, "local", res.Decision.FallbackChain[len(res.Decision.FallbackChain)-1])
	for _, a := range res.Attempts[:len(res.Attempts)-1] {
		assert.Equal(t, adapter.CategoryServiceUnavailable, a.Category)
	}
}

func modelFor(t *testing.T, adapterName string) string {
	t.Helper()
	for _, b := range config.DefaultRoutingConfig().Backends {
		if b.Adapter == adapterName {
			return b.Model
		}
	}
	t.Fatalf("no backend uses adapter %s", adapterName)
	return ""
}

func TestBackendsWithoutAdapterAreSkipped(t *testing.T) {
	mocks := mockAdapters()
	delete(mocks, "google")
	delete(mocks, "openai")
	sb, err := New(testConfig(), asAdapters(mocks))
	require.NoError(t, err)
	defer sb.Close()

	var ids []string
	for _, d := range sb.Backends() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"deepseek", "anthropic", "local"}, ids)

	d, err := sb.Route(context.Background(), task.Request{Prompt: "research the history of the parser"})
	require.NoError(t, err)
	assert.Equal(t, task.TypeResearch, d.Context.TaskType)
	assert.NotContains(t, d.FallbackChain, "google")
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Backends = nil
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestHealthUsesProbes(t *testing.T) {
	mocks := mockAdapters()
	mocks["deepseek"].SetPingError(errors.New("connection refused"))
	sb, err := New(testConfig(), asAdapters(mocks))
	require.NoError(t, err)
	defer sb.Close()

	sys := sb.Health(context.Background(), true)
	assert.Equal(t, health.StatusDegraded, sys.Status)
	require.Len(t, sys.Backends, 5)
	for _, rec := range sys.Backends {
		if rec.BackendID == "deepseek" {
			assert.False(t, rec.Healthy)
			assert.Contains(t, rec.LastError, "connection refused")
		} else {
			assert.True(t, rec.Healthy, rec.BackendID)
		}
	}

	d, err := sb.Route(context.Background(), task.Request{Prompt: "fix the bug in the loop"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", d.SelectedBackend)
	assert.Equal(t, task.SignalHealthFallback, d.WinningSignal)
	assert.Len(t, sb.Breakers(), 5)
}

func TestLearningSurvivesRestart(t *testing.T) {
	store := snapshot.NewMemoryStore()
	ctx := context.Background()

	sb, err := New(testConfig(), asAdapters(mockAdapters()), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, sb.Start(ctx))
	for i := 0; i < 3; i++ {
		_, err := sb.Run(ctx, task.Request{Prompt: "implement a cache"})
		require.NoError(t, err)
	}
	require.NoError(t, sb.Close())

	restarted, err := New(testConfig(), asAdapters(mockAdapters()), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Close()

	summary := restarted.LearningSummary()
	assert.Equal(t, 3, summary.TotalOutcomes)
	require.NotEmpty(t, summary.Backends)
	assert.Equal(t, "deepseek", summary.Backends[0].ID)
}

func TestStartAfterCloseFails(t *testing.T) {
	sb, err := New(testConfig(), asAdapters(mockAdapters()))
	require.NoError(t, err)
	require.NoError(t, sb.Close())
	assert.Error(t, sb.Start(context.Background()))
	assert.NoError(t, sb.Close())
}

func TestEvidenceEnabledByConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Evidence = config.EvidenceConfig{Enabled: true, Dir: dir}

	sb, err := New(cfg, asAdapters(mockAdapters()))
	require.NoError(t, err)
	defer sb.Close()

	_, err = sb.Run(context.Background(), task.Request{ID: "trace-1", Prompt: "explain the design"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "trace-1", "run.json"))
	assert.NoError(t, err)
}

func TestOpenUsesConfigDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		OllamaHost:    config.DefaultOllamaHost,
		RoutingConfig: config.DefaultRoutingConfig(),
		ConfigDir:     dir,
	}

	sb, err := Open(cfg)
	require.NoError(t, err)
	defer sb.Close()

	assert.Equal(t, filepath.Join(dir, "learning"), cfg.RoutingConfig.Snapshot.Path)
	var ids []string
	for _, d := range sb.Backends() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"local"}, ids)
}

func TestGatesFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Verify = config.VerifyConfig{
		Gates:      []config.GateConfig{{Name: "shape", Require: []string{"^never matches$"}}},
		MaxRepairs: 1,
	}
	mocks := mockAdapters()
	sb, err := New(cfg, asAdapters(mocks))
	require.NoError(t, err)
	defer sb.Close()

	res, err := sb.Run(context.Background(), task.Request{Prompt: "refactor the parser to remove the global"})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, 1, res.Attempts[0].Repairs)
	assert.Equal(t, 2, mocks["deepseek"].Calls("deepseek-coder"))
}
