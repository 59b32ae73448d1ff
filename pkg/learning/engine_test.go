package learning

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/switchboard/pkg/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const codingPattern = task.Pattern("medium:coding:single")

func good(backend string, p task.Pattern) Outcome {
	return Outcome{
		Pattern:      p,
		BackendID:    backend,
		Source:       task.SignalDefault,
		Execution:    Execution{Completed: true, OutputSize: 800},
		Verification: VerificationPassed,
		Latency:      time.Second,
	}
}

func bad(backend string, p task.Pattern) Outcome {
	return Outcome{Pattern: p, BackendID: backend, Failure: "server-error"}
}

func record(t *testing.T, e *Engine, outcomes ...Outcome) {
	t.Helper()
	for _, o := range outcomes {
		_, err := e.RecordOutcome(o)
		require.NoError(t, err)
	}
}

func repeat(o Outcome, n int) []Outcome {
	out := make([]Outcome, n)
	for i := range out {
		out[i] = o
	}
	return out
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		in   Outcome
		want float64
	}{
		{"perfect", good("b", codingPattern), 1.0},
		{"nothing", Outcome{}, 0},
		{"partial small", Outcome{Execution: Execution{Partial: true, OutputSize: 50}}, 0.25},
		{"repaired medium slow", Outcome{
			Execution:    Execution{Completed: true, OutputSize: 200},
			Verification: VerificationAutoRepaired,
			Latency:      10 * time.Second,
		}, 0.7},
		{"completed very slow", Outcome{
			Execution: Execution{Completed: true, OutputSize: 500},
			Latency:   time.Minute,
		}, 0.6},
		{"positive feedback lifts", Outcome{Feedback: FeedbackPositive}, 0.9},
		{"negative feedback caps", func() Outcome {
			o := good("b", codingPattern)
			o.Feedback = FeedbackNegative
			return o
		}(), 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.in), 1e-9)
		})
	}
}

func TestConfidenceFollowsEMA(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, 0.5, e.Confidence("deepseek"))

	want := []float64{0.6, 0.68, 0.744}
	for _, w := range want {
		res, err := e.RecordOutcome(good("deepseek", codingPattern))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.InDelta(t, 1.0, res.SuccessScore, 1e-9)
		assert.InDelta(t, w, res.Confidence, 1e-9)
	}

	res, err := e.RecordOutcome(bad("deepseek", codingPattern))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.InDelta(t, 0.8*0.744, res.Confidence, 1e-9)
}

func TestConfidenceStaysInBounds(t *testing.T) {
	e := New(Config{EMAAlpha: 1})
	for i := 0; i < 20; i++ {
		record(t, e, good("a", codingPattern), bad("b", codingPattern))
		assert.LessOrEqual(t, e.Confidence("a"), 1.0)
		assert.GreaterOrEqual(t, e.Confidence("b"), 0.0)
	}
	assert.InDelta(t, 1.0, e.Confidence("a"), 1e-9)
	assert.Equal(t, 0.0, e.Confidence("b"))
}

func TestMetricsCounters(t *testing.T) {
	e := New(Config{})
	record(t, e,
		good("local", codingPattern),
		good("local", "high:analysis:multi"),
		bad("local", codingPattern),
	)

	m, ok := e.Metrics("local")
	require.True(t, ok)
	assert.Equal(t, 3, m.TotalCalls)
	assert.Equal(t, 2, m.SuccessfulCalls)
	assert.Equal(t, Counter{Calls: 2, Successes: 1}, m.ByComplexity["medium"])
	assert.Equal(t, Counter{Calls: 1, Successes: 1}, m.ByComplexity["high"])
	assert.Equal(t, Counter{Calls: 2, Successes: 1}, m.ByTaskType["coding"])
	assert.Equal(t, 1, m.Failures["server-error"])
	assert.Len(t, m.Recent, 3)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate(), 1e-9)

	_, ok = e.Metrics("unseen")
	assert.False(t, ok)
	assert.Len(t, e.History(), 3)
	assert.EqualValues(t, 3, e.Recorded())
}

func TestLatencyStats(t *testing.T) {
	e := New(Config{})
	fast := good("local", codingPattern)
	fast.Latency = 200 * time.Millisecond
	slow := good("local", codingPattern)
	slow.Latency = 2 * time.Second
	record(t, e, fast, slow, good("local", codingPattern), bad("local", codingPattern))

	m, ok := e.Metrics("local")
	require.True(t, ok)
	assert.Equal(t, 4, m.TotalCalls)
	assert.Equal(t, 3, m.Latency.Count, "outcomes without a latency are not aggregated")
	assert.Equal(t, 200*time.Millisecond, m.Latency.Min)
	assert.Equal(t, 2*time.Second, m.Latency.Max)
	assert.Equal(t, 3200*time.Millisecond, m.Latency.Total)
	assert.Equal(t, 3200*time.Millisecond/3, m.Latency.Avg())

	assert.Zero(t, LatencyStats{}.Avg())
}

func TestRecordOutcomeValidation(t *testing.T) {
	e := New(Config{}, WithBackendValidator(func(id string) bool { return id == "local" }))

	_, err := e.RecordOutcome(Outcome{Pattern: codingPattern})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = e.RecordOutcome(Outcome{Pattern: "medium-coding", BackendID: "local"})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = e.RecordOutcome(good("ghost", codingPattern))
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = e.RecordOutcome(good("local", codingPattern))
	assert.NoError(t, err)
	assert.EqualValues(t, 1, e.Recorded())
}

func TestRecommend(t *testing.T) {
	ctx := task.Context{Complexity: task.ComplexityMedium, TaskType: task.TypeCoding, FileCount: 1}
	require.Equal(t, codingPattern, ctx.Pattern())

	t.Run("needs min samples", func(t *testing.T) {
		e := New(Config{})
		record(t, e, repeat(good("B", codingPattern), 4)...)
		assert.Nil(t, e.Recommend(ctx))
	})

	t.Run("learned winner", func(t *testing.T) {
		e := New(Config{})
		record(t, e, repeat(good("B", codingPattern), 5)...)

		rec := e.Recommend(ctx)
		require.NotNil(t, rec)
		assert.Equal(t, "B", rec.BackendID)
		assert.Equal(t, codingPattern, rec.Pattern)
		assert.Greater(t, rec.Confidence, RecommendationFloor)
		assert.Equal(t, 5, rec.Samples)
		assert.NotEmpty(t, rec.Reason)
	})

	t.Run("backend needs three calls", func(t *testing.T) {
		e := New(Config{})
		record(t, e, repeat(bad("A", codingPattern), 4)...)
		record(t, e, repeat(good("B", codingPattern), 2)...)
		assert.Nil(t, e.Recommend(ctx))

		record(t, e, good("B", codingPattern))
		rec := e.Recommend(ctx)
		require.NotNil(t, rec)
		assert.Equal(t, "B", rec.BackendID)
	})

	t.Run("below floor", func(t *testing.T) {
		e := New(Config{})
		record(t, e, repeat(bad("A", codingPattern), 6)...)
		assert.Nil(t, e.Recommend(ctx))
	})

	t.Run("unregistered backends are skipped", func(t *testing.T) {
		known := true
		e := New(Config{}, WithBackendValidator(func(string) bool { return known }))
		record(t, e, repeat(good("B", codingPattern), 5)...)
		known = false
		assert.Nil(t, e.Recommend(ctx))
	})
}

func TestRankingsUseWilsonLowerBound(t *testing.T) {
	e := New(Config{})
	record(t, e, repeat(good("lucky", codingPattern), 2)...)
	record(t, e, repeat(good("steady", codingPattern), 20)...)

	r := e.Rankings(codingPattern)
	require.Len(t, r, 2)
	assert.Equal(t, "steady", r[0].BackendID)
	assert.Equal(t, "lucky", r[1].BackendID)
	assert.InDelta(t, r[0].Rate, r[1].Rate, 1e-9)
	assert.Greater(t, r[0].LowerBound, r[1].LowerBound)

	assert.Nil(t, e.Rankings("low:general:single"))
}

func TestWilsonLowerBound(t *testing.T) {
	assert.Equal(t, 0.0, wilsonLowerBound(1, 0))
	assert.InDelta(t, 0.342, wilsonLowerBound(1, 2), 0.001)
	assert.InDelta(t, 0.839, wilsonLowerBound(1, 20), 0.001)
	assert.Less(t, wilsonLowerBound(0.5, 10), wilsonLowerBound(0.5, 100))
}

func TestTrend(t *testing.T) {
	e := New(Config{})
	record(t, e, repeat(good("a", codingPattern), 5)...)
	m, _ := e.Metrics("a")
	assert.Equal(t, TrendStable, m.Trend)

	record(t, e, repeat(bad("a", codingPattern), 5)...)
	m, _ = e.Metrics("a")
	assert.Equal(t, TrendDegrading, m.Trend)

	record(t, e, repeat(good("a", codingPattern), 5)...)
	m, _ = e.Metrics("a")
	assert.Equal(t, TrendImproving, m.Trend)
	assert.Len(t, m.Recent, recentWindow)

	assert.Equal(t, TrendStable, computeTrend([]float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.6, 0.6, 0.6, 0.6, 0.6}))
}

func TestDecay(t *testing.T) {
	t.Run("lazy", func(t *testing.T) {
		clock := newFakeClock()
		e := New(Config{Now: clock.Now})
		record(t, e, good("a", codingPattern))
		assert.InDelta(t, 0.6, e.Confidence("a"), 1e-9)

		clock.Advance(23 * time.Hour)
		assert.InDelta(t, 0.6, e.Confidence("a"), 1e-9)

		clock.Advance(25 * time.Hour)
		assert.InDelta(t, 0.5+0.1*0.995*0.995, e.Confidence("a"), 1e-9)
	})

	t.Run("forced", func(t *testing.T) {
		e := New(Config{})
		record(t, e, good("a", codingPattern), bad("b", codingPattern))
		e.Decay()
		assert.InDelta(t, 0.5+0.1*0.995, e.Confidence("a"), 1e-9)
		assert.InDelta(t, 0.5-0.1*0.995, e.Confidence("b"), 1e-9)
	})
}

func TestTimeoutScale(t *testing.T) {
	e := New(Config{})
	timeout := Outcome{Pattern: codingPattern, BackendID: "slow", Failure: "timeout"}

	record(t, e, timeout, timeout, good("slow", codingPattern), good("slow", codingPattern))
	assert.Equal(t, 1.0, e.TimeoutScale("slow"))

	record(t, e, good("slow", codingPattern))
	assert.InDelta(t, 1.4, e.TimeoutScale("slow"), 1e-9)

	record(t, e, repeat(timeout, 20)...)
	assert.LessOrEqual(t, e.TimeoutScale("slow"), 2.0)
	assert.Equal(t, 1.0, e.TimeoutScale("unknown"))

	th := e.AdaptiveThresholds()
	assert.Equal(t, SuccessThreshold, th.SuccessThreshold)
	assert.Equal(t, 5, th.MinSamples)
	assert.Contains(t, th.TimeoutScale, "slow")
}

func TestPerceptionHitsAreCapped(t *testing.T) {
	e := New(Config{})
	for i := 0; i < maxPerceptionKeys; i++ {
		e.RecordPerceptionHit(fingerprint(i))
	}
	e.RecordPerceptionHit(fingerprint(0))
	e.RecordPerceptionHit("fresh")

	e.hitsMu.Lock()
	defer e.hitsMu.Unlock()
	assert.Len(t, e.hits, maxPerceptionKeys)
	assert.Equal(t, 2, e.hits[fingerprint(0)])
	assert.Equal(t, 1, e.hits["fresh"])
	assert.NotContains(t, e.hits, fingerprint(1))
}

func fingerprint(i int) string {
	return "fp-" + string(rune('a'+i/26/26%26)) + string(rune('a'+i/26%26)) + string(rune('a'+i%26))
}

func TestConcurrentOutcomes(t *testing.T) {
	e := New(Config{})
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = e.RecordOutcome(good(id, codingPattern))
				_ = e.Recommend(task.Context{Complexity: task.ComplexityMedium, TaskType: task.TypeCoding})
			}
		}(id)
	}
	wg.Wait()

	assert.EqualValues(t, 200, e.Recorded())
	for _, id := range []string{"a", "b", "c", "d"} {
		m, ok := e.Metrics(id)
		require.True(t, ok)
		assert.Equal(t, 50, m.TotalCalls)
	}
}
