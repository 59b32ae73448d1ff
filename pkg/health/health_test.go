package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/switchboard/pkg/breaker"
)

type probeFunc func(ctx context.Context) error

func (f probeFunc) Ping(ctx context.Context) error { return f(ctx) }

type countingProber struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (p *countingProber) Ping(ctx context.Context) error {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func register(t *testing.T, m *Monitor, d Descriptor, p Prober) {
	t.Helper()
	require.NoError(t, m.Register(d, p))
}

func TestRegisterValidation(t *testing.T) {
	m := NewMonitor(DefaultConfig())

	assert.Error(t, m.Register(Descriptor{Kind: KindLocal}, nil))
	assert.Error(t, m.Register(Descriptor{ID: "x", Kind: "cloud"}, nil))
	assert.Error(t, m.Register(Descriptor{ID: "x", Kind: KindRemote, Terminal: true}, nil))

	register(t, m, Descriptor{ID: "local", Kind: KindLocal}, nil)
	assert.Error(t, m.Register(Descriptor{ID: "local", Kind: KindLocal}, nil))
	assert.True(t, m.Has("local"))

	m.Unregister("local")
	assert.False(t, m.Has("local"))
}

func TestTerminalAndUnlimited(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	register(t, m, Descriptor{ID: "remote", Kind: KindRemote, Priority: 1}, nil)
	register(t, m, Descriptor{ID: "small-local", Kind: KindLocal, Priority: 5}, nil)
	register(t, m, Descriptor{ID: "big-local", Kind: KindLocal, Priority: 9}, nil)

	term, ok := m.Terminal()
	require.True(t, ok)
	assert.Equal(t, "small-local", term.ID)

	unl, ok := m.Unlimited()
	require.True(t, ok)
	assert.Equal(t, "small-local", unl.ID, "unlimited defaults to terminal")

	m2 := NewMonitor(DefaultConfig())
	register(t, m2, Descriptor{ID: "a", Kind: KindLocal, Priority: 1}, nil)
	register(t, m2, Descriptor{ID: "b", Kind: KindLocal, Priority: 2, Terminal: true}, nil)
	register(t, m2, Descriptor{ID: "c", Kind: KindRemote, Priority: 3, Unlimited: true}, nil)

	term, _ = m2.Terminal()
	assert.Equal(t, "b", term.ID)
	unl, _ = m2.Unlimited()
	assert.Equal(t, "c", unl.ID)
}

func TestCheckOneCachesWithinTTL(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(Config{TTL: time.Minute, Now: clk.Now})
	p := &countingProber{}
	register(t, m, Descriptor{ID: "local", Kind: KindLocal}, p)

	ctx := context.Background()
	rec, err := m.CheckOne(ctx, "local", false)
	require.NoError(t, err)
	assert.True(t, rec.Healthy)
	assert.Equal(t, int32(1), p.calls.Load())

	_, err = m.CheckOne(ctx, "local", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "cached result should be reused")

	_, err = m.CheckOne(ctx, "local", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load(), "force bypasses the cache")

	clk.Advance(2 * time.Minute)
	_, err = m.CheckOne(ctx, "local", false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load(), "stale result should be refreshed")

	_, err = m.CheckOne(ctx, "missing", false)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestCheckOneSharesConcurrentProbes(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	p := &countingProber{delay: 200 * time.Millisecond}
	register(t, m, Descriptor{ID: "remote", Kind: KindRemote}, p)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CheckOne(context.Background(), "remote", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCheckAllDoesNotWaitForHangingBackend(t *testing.T) {
	m := NewMonitor(Config{RemoteProbeTimeout: 50 * time.Millisecond, LocalProbeTimeout: time.Second})
	register(t, m, Descriptor{ID: "local", Kind: KindLocal, Priority: 10}, &countingProber{})
	register(t, m, Descriptor{ID: "hung", Kind: KindRemote, Priority: 1}, probeFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	sys := m.CheckAll(context.Background(), true)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, sys.Backends, 2)
	byID := map[string]Record{}
	for _, r := range sys.Backends {
		byID[r.BackendID] = r
	}
	assert.False(t, byID["hung"].Healthy)
	assert.Contains(t, byID["hung"].LastError, "timed out")
	assert.True(t, byID["local"].Healthy)
	assert.Equal(t, StatusDegraded, sys.Status)
}

func TestRecommendPartitions(t *testing.T) {
	m := NewMonitor(Config{DegradedLatency: time.Second, Breaker: breaker.Config{FailureThreshold: 1}})
	register(t, m, Descriptor{ID: "fast", Kind: KindRemote, Priority: 3}, nil)
	register(t, m, Descriptor{ID: "faster", Kind: KindRemote, Priority: 4}, nil)
	register(t, m, Descriptor{ID: "slow", Kind: KindRemote, Priority: 1}, nil)
	register(t, m, Descriptor{ID: "broken", Kind: KindRemote, Priority: 2}, probeFunc(func(context.Context) error { return errors.New("500") }))
	register(t, m, Descriptor{ID: "tripped", Kind: KindRemote, Priority: 2}, nil)
	register(t, m, Descriptor{ID: "local", Kind: KindLocal, Priority: 9}, nil)

	m.Observe("fast", 200*time.Millisecond, nil)
	m.Observe("faster", 100*time.Millisecond, nil)
	m.Observe("local", 200*time.Millisecond, nil)
	m.Observe("slow", 3*time.Second, nil)
	_, err := m.CheckOne(context.Background(), "broken", true)
	require.NoError(t, err)
	_ = m.Breaker("tripped").Execute(func() error { return errors.New("boom") })

	rec := m.Recommend()
	assert.Equal(t, []string{"faster", "fast", "local"}, rec.Healthy)
	assert.Equal(t, []string{"slow"}, rec.Degraded)
	assert.ElementsMatch(t, []string{"broken", "tripped"}, rec.Unhealthy)
	assert.Equal(t, []string{"faster", "fast", "local", "slow"}, rec.FallbackChain)

	assert.True(t, m.IsHealthy("fast"))
	assert.False(t, m.IsHealthy("slow"))
	assert.True(t, m.IsUsable("slow"))
	assert.False(t, m.IsUsable("tripped"))
}

func TestNoProberTracksCircuit(t *testing.T) {
	m := NewMonitor(Config{Breaker: breaker.Config{FailureThreshold: 1, Timeout: time.Hour}})
	register(t, m, Descriptor{ID: "sdk", Kind: KindRemote}, nil)

	rec, err := m.CheckOne(context.Background(), "sdk", true)
	require.NoError(t, err)
	assert.True(t, rec.Healthy)

	_ = m.Breaker("sdk").Execute(func() error { return errors.New("boom") })
	rec, err = m.CheckOne(context.Background(), "sdk", true)
	require.NoError(t, err)
	assert.False(t, rec.Healthy)
	assert.Equal(t, breaker.Open, rec.CircuitState)
}

func TestObservedFailureKeepsBackendUsable(t *testing.T) {
	m := NewMonitor(Config{Breaker: breaker.Config{FailureThreshold: 2, Timeout: time.Hour}})
	register(t, m, Descriptor{ID: "r", Kind: KindRemote}, nil)

	m.Observe("r", 40*time.Second, errors.New("502 bad gateway"))
	rec, _ := m.Record("r")
	assert.True(t, rec.Healthy)
	assert.Equal(t, "502 bad gateway", rec.LastError)
	assert.Zero(t, rec.Latency, "failed calls do not count as response time")
	assert.Less(t, rec.SuccessRate, 1.0)
	assert.True(t, m.IsUsable("r"))
	assert.Contains(t, m.Recommend().FallbackChain, "r")

	for i := 0; i < 2; i++ {
		_ = m.Breaker("r").Execute(func() error { return errors.New("boom") })
	}
	assert.False(t, m.IsUsable("r"))
	assert.NotContains(t, m.Recommend().FallbackChain, "r")
}

func TestObservedSuccessRestoresCheckFailure(t *testing.T) {
	m := NewMonitor(Config{})
	register(t, m, Descriptor{ID: "r", Kind: KindRemote}, probeFunc(func(context.Context) error { return errors.New("refused") }))

	_, err := m.CheckOne(context.Background(), "r", true)
	require.NoError(t, err)
	assert.False(t, m.IsUsable("r"))

	m.Observe("r", 10*time.Millisecond, nil)
	rec, _ := m.Record("r")
	assert.True(t, rec.Healthy)
	assert.Empty(t, rec.LastError)
	assert.True(t, m.IsHealthy("r"))
}

func TestSuccessRateWindow(t *testing.T) {
	m := NewMonitor(Config{Window: 4})
	register(t, m, Descriptor{ID: "r", Kind: KindRemote}, nil)

	m.Observe("r", time.Millisecond, errors.New("x"))
	for i := 0; i < 3; i++ {
		m.Observe("r", time.Millisecond, nil)
	}
	rec, _ := m.Record("r")
	assert.InDelta(t, 0.75, rec.SuccessRate, 1e-9)

	m.Observe("r", time.Millisecond, nil)
	rec, _ = m.Record("r")
	assert.InDelta(t, 1.0, rec.SuccessRate, 1e-9)
}
