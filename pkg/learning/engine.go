// Package learning records backend outcomes and turns them into confidence
// scores, per-pattern rankings and routing recommendations.
package learning

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zen-systems/switchboard/pkg/snapshot"
	"github.com/zen-systems/switchboard/pkg/task"
)

var (
	// ErrUnknownBackend rejects outcomes for backends that are not registered.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrInvalidOutcome rejects malformed outcomes.
	ErrInvalidOutcome = errors.New("invalid outcome")
)

// Config tunes the engine.
type Config struct {
	EMAAlpha        float64
	MinSamples      int
	ConfidenceDecay float64
	DecayInterval   time.Duration
	// HistorySize bounds the in-memory routing history.
	HistorySize int
	// PersistedHistory bounds the history written to snapshots.
	PersistedHistory int
	// SnapshotEvery triggers persistence every N recorded outcomes.
	SnapshotEvery    int
	SnapshotInterval time.Duration
	SnapshotKey      string
	Now              func() time.Time
}

// DefaultConfig returns the stock learning settings.
func DefaultConfig() Config {
	return Config{
		EMAAlpha:         0.2,
		MinSamples:       5,
		ConfidenceDecay:  0.995,
		DecayInterval:    24 * time.Hour,
		HistorySize:      1000,
		PersistedHistory: 200,
		SnapshotEvery:    10,
		SnapshotInterval: time.Minute,
		SnapshotKey:      "learning",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		c.EMAAlpha = def.EMAAlpha
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	if c.ConfidenceDecay <= 0 || c.ConfidenceDecay > 1 {
		c.ConfidenceDecay = def.ConfidenceDecay
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = def.DecayInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.PersistedHistory <= 0 {
		c.PersistedHistory = def.PersistedHistory
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = def.SnapshotEvery
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = def.SnapshotKey
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Counter tallies calls and successes.
type Counter struct {
	Calls     int `json:"calls"`
	Successes int `json:"successes"`
}

// Rate returns Successes/Calls.
func (c Counter) Rate() float64 {
	if c.Calls == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Calls)
}

// ToolMetrics aggregates every outcome of one backend.
type ToolMetrics struct {
	Confidence      float64            `json:"confidence"`
	TotalCalls      int                `json:"total_calls"`
	SuccessfulCalls int                `json:"successful_calls"`
	ByComplexity    map[string]Counter `json:"by_complexity"`
	ByTaskType      map[string]Counter `json:"by_task_type"`
	Failures        map[string]int     `json:"failures,omitempty"`
	Recent          []float64          `json:"recent,omitempty"`
	Trend           Trend              `json:"trend"`
	Latency         LatencyStats       `json:"latency"`
}

// LatencyStats aggregates the latency of every recorded outcome that
// reported one.
type LatencyStats struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

func (l *LatencyStats) add(d time.Duration) {
	if d <= 0 {
		return
	}
	if l.Count == 0 || d < l.Min {
		l.Min = d
	}
	if d > l.Max {
		l.Max = d
	}
	l.Count++
	l.Total += d
}

// Avg returns the mean latency, or zero when nothing was recorded.
func (l LatencyStats) Avg() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return l.Total / time.Duration(l.Count)
}

func newToolMetrics() ToolMetrics {
	return ToolMetrics{
		Confidence:   0.5,
		ByComplexity: make(map[string]Counter),
		ByTaskType:   make(map[string]Counter),
		Failures:     make(map[string]int),
		Trend:        TrendStable,
	}
}

func (m ToolMetrics) clone() ToolMetrics {
	cp := m
	cp.ByComplexity = make(map[string]Counter, len(m.ByComplexity))
	for k, v := range m.ByComplexity {
		cp.ByComplexity[k] = v
	}
	cp.ByTaskType = make(map[string]Counter, len(m.ByTaskType))
	for k, v := range m.ByTaskType {
		cp.ByTaskType[k] = v
	}
	cp.Failures = make(map[string]int, len(m.Failures))
	for k, v := range m.Failures {
		cp.Failures[k] = v
	}
	cp.Recent = append([]float64(nil), m.Recent...)
	return cp
}

// SuccessRate returns SuccessfulCalls/TotalCalls.
func (m ToolMetrics) SuccessRate() float64 {
	return Counter{Calls: m.TotalCalls, Successes: m.SuccessfulCalls}.Rate()
}

// BackendStat is the per-pattern tally of one backend.
type BackendStat struct {
	Calls      int     `json:"calls"`
	SuccessSum float64 `json:"success_sum"`
}

// Rate returns the mean success score.
func (s BackendStat) Rate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return s.SuccessSum / float64(s.Calls)
}

// PatternStat aggregates outcomes for one context pattern.
type PatternStat struct {
	Backends     map[string]BackendStat `json:"backends"`
	TotalSamples int                    `json:"total_samples"`
}

func (p PatternStat) clone() PatternStat {
	cp := PatternStat{TotalSamples: p.TotalSamples, Backends: make(map[string]BackendStat, len(p.Backends))}
	for k, v := range p.Backends {
		cp.Backends[k] = v
	}
	return cp
}

// SourceStat tallies outcomes by the signal that chose the backend.
type SourceStat struct {
	Calls      int     `json:"calls"`
	SuccessSum float64 `json:"success_sum"`
}

type backendState struct {
	mu sync.Mutex
	m  ToolMetrics
}

type patternState struct {
	mu sync.Mutex
	s  PatternStat
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = logger.With().Str("component", "learning").Logger()
	}
}

// WithStore sets where snapshots are persisted.
func WithStore(store snapshot.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithBackendValidator restricts outcomes and recommendations to backends
// for which known returns true.
func WithBackendValidator(known func(id string) bool) Option {
	return func(e *Engine) {
		e.known = known
	}
}

// Engine is the learning store. It is safe for concurrent use; outcomes for
// different backends never contend on the same lock.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	store snapshot.Store
	known func(id string) bool

	mu       sync.RWMutex
	backends map[string]*backendState
	patterns map[task.Pattern]*patternState

	sourceMu sync.Mutex
	sources  map[task.Signal]SourceStat

	hitsMu sync.Mutex
	hits   map[string]int

	histMu  sync.Mutex
	history []OutcomeRecord

	decayMu   sync.Mutex
	lastDecay time.Time

	recorded atomic.Int64
	persist  chan struct{}
}

// New creates an engine with cold-start state.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		log:     zerolog.Nop(),
		persist: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reset()
	return e
}

func (e *Engine) reset() {
	e.mu.Lock()
	e.backends = make(map[string]*backendState)
	e.patterns = make(map[task.Pattern]*patternState)
	e.mu.Unlock()

	e.sourceMu.Lock()
	e.sources = make(map[task.Signal]SourceStat)
	e.sourceMu.Unlock()

	e.hitsMu.Lock()
	e.hits = make(map[string]int)
	e.hitsMu.Unlock()

	e.histMu.Lock()
	e.history = nil
	e.histMu.Unlock()

	e.decayMu.Lock()
	e.lastDecay = e.cfg.Now()
	e.decayMu.Unlock()
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) backend(id string) *backendState {
	e.mu.RLock()
	b, ok := e.backends[id]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.backends[id]; ok {
		return b
	}
	b = &backendState{m: newToolMetrics()}
	e.backends[id] = b
	return b
}

func (e *Engine) pattern(p task.Pattern) *patternState {
	e.mu.RLock()
	ps, ok := e.patterns[p]
	e.mu.RUnlock()
	if ok {
		return ps
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.patterns[p]; ok {
		return ps
	}
	ps = &patternState{s: PatternStat{Backends: make(map[string]BackendStat)}}
	e.patterns[p] = ps
	return ps
}

func (e *Engine) lookupBackend(id string) (*backendState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.backends[id]
	return b, ok
}

func (e *Engine) lookupPattern(p task.Pattern) (*patternState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ps, ok := e.patterns[p]
	return ps, ok
}

// RecordOutcome scores an outcome and folds it into the backend's metrics
// and the pattern statistics.
func (e *Engine) RecordOutcome(o Outcome) (Result, error) {
	if o.BackendID == "" {
		return Result{}, fmt.Errorf("%w: missing backend", ErrInvalidOutcome)
	}
	complexity, taskType, _, err := o.Pattern.Parts()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	if e.known != nil && !e.known(o.BackendID) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownBackend, o.BackendID)
	}

	e.maybeDecay()

	score := Score(o)
	success := score >= SuccessThreshold

	b := e.backend(o.BackendID)
	b.mu.Lock()
	m := &b.m
	m.Confidence = clamp01(e.cfg.EMAAlpha*score + (1-e.cfg.EMAAlpha)*m.Confidence)
	m.TotalCalls++
	if success {
		m.SuccessfulCalls++
	}
	m.ByComplexity[string(complexity)] = bump(m.ByComplexity[string(complexity)], success)
	m.ByTaskType[taskType] = bump(m.ByTaskType[taskType], success)
	if o.Failure != "" {
		m.Failures[o.Failure]++
	}
	m.Recent = append(m.Recent, score)
	if len(m.Recent) > recentWindow {
		m.Recent = m.Recent[len(m.Recent)-recentWindow:]
	}
	m.Trend = computeTrend(m.Recent)
	m.Latency.add(o.Latency)
	confidence := m.Confidence
	b.mu.Unlock()

	ps := e.pattern(o.Pattern)
	ps.mu.Lock()
	stat := ps.s.Backends[o.BackendID]
	stat.Calls++
	stat.SuccessSum += score
	ps.s.Backends[o.BackendID] = stat
	ps.s.TotalSamples++
	ps.mu.Unlock()

	if o.Source != "" {
		e.sourceMu.Lock()
		src := e.sources[o.Source]
		src.Calls++
		src.SuccessSum += score
		e.sources[o.Source] = src
		e.sourceMu.Unlock()
	}

	e.appendHistory(OutcomeRecord{
		ID:           uuid.NewString(),
		Timestamp:    e.cfg.Now(),
		BackendID:    o.BackendID,
		Source:       o.Source,
		Pattern:      o.Pattern,
		SuccessScore: score,
		Latency:      o.Latency,
		Failure:      o.Failure,
	})

	if n := e.recorded.Add(1); n%int64(e.cfg.SnapshotEvery) == 0 {
		select {
		case e.persist <- struct{}{}:
		default:
		}
	}

	e.log.Debug().
		Str("backend", o.BackendID).
		Str("pattern", string(o.Pattern)).
		Float64("score", score).
		Float64("confidence", confidence).
		Msg("outcome recorded")

	return Result{Confidence: confidence, SuccessScore: score, Success: success}, nil
}

func bump(c Counter, success bool) Counter {
	c.Calls++
	if success {
		c.Successes++
	}
	return c
}

func (e *Engine) appendHistory(rec OutcomeRecord) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.history = append(e.history, rec)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append([]OutcomeRecord(nil), e.history[over:]...)
	}
}

// History returns the most recent outcomes, oldest first.
func (e *Engine) History() []OutcomeRecord {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	return append([]OutcomeRecord(nil), e.history...)
}

// Recorded returns the number of outcomes recorded by this process.
func (e *Engine) Recorded() int64 {
	return e.recorded.Load()
}

// maybeDecay applies any decay ticks that have elapsed since the last one.
func (e *Engine) maybeDecay() {
	now := e.cfg.Now()

	e.decayMu.Lock()
	n := int(now.Sub(e.lastDecay) / e.cfg.DecayInterval)
	if n <= 0 {
		e.decayMu.Unlock()
		return
	}
	e.lastDecay = e.lastDecay.Add(time.Duration(n) * e.cfg.DecayInterval)
	e.decayMu.Unlock()

	e.applyDecay(n)
}

// Decay forces one decay tick on every backend.
func (e *Engine) Decay() {
	e.decayMu.Lock()
	e.lastDecay = e.cfg.Now()
	e.decayMu.Unlock()
	e.applyDecay(1)
}

func (e *Engine) applyDecay(n int) {
	e.mu.RLock()
	states := make([]*backendState, 0, len(e.backends))
	for _, b := range e.backends {
		states = append(states, b)
	}
	e.mu.RUnlock()

	for _, b := range states {
		b.mu.Lock()
		b.m.Confidence = decayToward(b.m.Confidence, e.cfg.ConfidenceDecay, n)
		b.mu.Unlock()
	}
	e.log.Debug().Int("ticks", n).Int("backends", len(states)).Msg("confidence decayed")
}

// Metrics returns a copy of a backend's metrics.
func (e *Engine) Metrics(id string) (ToolMetrics, bool) {
	e.maybeDecay()
	b, ok := e.lookupBackend(id)
	if !ok {
		return ToolMetrics{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m.clone(), true
}

// Confidence returns a backend's confidence, 0.5 when nothing is known.
func (e *Engine) Confidence(id string) float64 {
	if m, ok := e.Metrics(id); ok {
		return m.Confidence
	}
	return 0.5
}

// Recommendation is a learned routing suggestion.
type Recommendation struct {
	BackendID string       `json:"backend_id"`
	Pattern   task.Pattern `json:"pattern"`
	// Confidence is the weighted recommendation score.
	Confidence float64 `json:"confidence"`
	Rate       float64 `json:"rate"`
	Samples    int     `json:"samples"`
	Reason     string  `json:"reason"`
}

// Recommend returns the best backend for the context's pattern, or nil when
// the pattern has fewer than MinSamples observations or no candidate is
// confident enough.
func (e *Engine) Recommend(ctx task.Context) *Recommendation {
	e.maybeDecay()

	pattern := ctx.Pattern()
	ps, ok := e.lookupPattern(pattern)
	if !ok {
		return nil
	}
	ps.mu.Lock()
	stat := ps.s.clone()
	ps.mu.Unlock()

	if stat.TotalSamples < e.cfg.MinSamples {
		return nil
	}

	type candidate struct {
		id    string
		stat  BackendStat
		score float64
		lower float64
	}
	var best *candidate
	for id, bs := range stat.Backends {
		if bs.Calls < minBackendCalls {
			continue
		}
		if e.known != nil && !e.known(id) {
			continue
		}
		c := candidate{
			id:    id,
			stat:  bs,
			score: 0.7*bs.Rate() + 0.3*e.Confidence(id),
			lower: wilsonLowerBound(bs.Rate(), bs.Calls),
		}
		if best == nil || better(c.score, c.lower, c.id, best.score, best.lower, best.id) {
			cc := c
			best = &cc
		}
	}
	if best == nil || best.score <= RecommendationFloor {
		return nil
	}

	return &Recommendation{
		BackendID:  best.id,
		Pattern:    pattern,
		Confidence: best.score,
		Rate:       best.stat.Rate(),
		Samples:    best.stat.Calls,
		Reason: fmt.Sprintf("learned: %s scored %.2f on %d %s samples",
			best.id, best.stat.Rate(), best.stat.Calls, pattern),
	}
}

func better(score, lower float64, id string, bestScore, bestLower float64, bestID string) bool {
	if score != bestScore {
		return score > bestScore
	}
	if lower != bestLower {
		return lower > bestLower
	}
	return id < bestID
}

// Ranking is a backend's standing within a pattern.
type Ranking struct {
	BackendID  string  `json:"backend_id"`
	Calls      int     `json:"calls"`
	Rate       float64 `json:"rate"`
	LowerBound float64 `json:"lower_bound"`
}

// Rankings orders backends for a pattern by Wilson lower bound, so a
// backend with many good results outranks one lucky sample.
func (e *Engine) Rankings(pattern task.Pattern) []Ranking {
	ps, ok := e.lookupPattern(pattern)
	if !ok {
		return nil
	}
	ps.mu.Lock()
	stat := ps.s.clone()
	ps.mu.Unlock()

	rankings := make([]Ranking, 0, len(stat.Backends))
	for id, bs := range stat.Backends {
		rankings = append(rankings, Ranking{
			BackendID:  id,
			Calls:      bs.Calls,
			Rate:       bs.Rate(),
			LowerBound: wilsonLowerBound(bs.Rate(), bs.Calls),
		})
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].LowerBound != rankings[j].LowerBound {
			return rankings[i].LowerBound > rankings[j].LowerBound
		}
		return rankings[i].BackendID < rankings[j].BackendID
	})
	return rankings
}

// RecordPerceptionHit counts a decision-cache hit for a fingerprint.
func (e *Engine) RecordPerceptionHit(fingerprint string) {
	e.hitsMu.Lock()
	defer e.hitsMu.Unlock()

	if _, ok := e.hits[fingerprint]; !ok && len(e.hits) >= maxPerceptionKeys {
		// Evict the coldest key.
		var coldest string
		lowest := -1
		for k, v := range e.hits {
			if lowest < 0 || v < lowest || (v == lowest && k < coldest) {
				coldest, lowest = k, v
			}
		}
		delete(e.hits, coldest)
	}
	e.hits[fingerprint]++
}

// AdaptiveThresholds are the tunables derived from learned state.
type AdaptiveThresholds struct {
	SuccessThreshold    float64            `json:"success_threshold"`
	RecommendationFloor float64            `json:"recommendation_floor"`
	MinSamples          int                `json:"min_samples"`
	EMAAlpha            float64            `json:"ema_alpha"`
	TimeoutScale        map[string]float64 `json:"timeout_scale"`
}

// AdaptiveThresholds returns the current thresholds. TimeoutScale stretches
// a backend's timeout by its observed timeout rate, up to 2x, once it has
// at least MinSamples calls.
func (e *Engine) AdaptiveThresholds() AdaptiveThresholds {
	t := AdaptiveThresholds{
		SuccessThreshold:    SuccessThreshold,
		RecommendationFloor: RecommendationFloor,
		MinSamples:          e.cfg.MinSamples,
		EMAAlpha:            e.cfg.EMAAlpha,
		TimeoutScale:        make(map[string]float64),
	}

	e.mu.RLock()
	ids := make([]string, 0, len(e.backends))
	for id := range e.backends {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		t.TimeoutScale[id] = e.TimeoutScale(id)
	}
	return t
}

// TimeoutScale returns the timeout multiplier for one backend.
func (e *Engine) TimeoutScale(id string) float64 {
	b, ok := e.lookupBackend(id)
	if !ok {
		return 1
	}
	b.mu.Lock()
	calls, timeouts := b.m.TotalCalls, b.m.Failures[failureTimeout]
	b.mu.Unlock()

	if calls < e.cfg.MinSamples {
		return 1
	}
	scale := 1 + float64(timeouts)/float64(calls)
	if scale > 2 {
		scale = 2
	}
	return scale
}
