package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zen-systems/switchboard/pkg/snapshot"
	"github.com/zen-systems/switchboard/pkg/task"
)

const stateVersion = 1

// State is the persisted form of the engine.
type State struct {
	Version        int                          `json:"version"`
	SavedAt        time.Time                    `json:"saved_at"`
	LastDecay      time.Time                    `json:"last_decay"`
	ToolMetrics    map[string]ToolMetrics       `json:"tool_metrics"`
	PatternStats   map[task.Pattern]PatternStat `json:"pattern_stats"`
	SourceMetrics  map[task.Signal]SourceStat   `json:"source_metrics"`
	PerceptionHits map[string]int               `json:"perception_hits"`
	RoutingHistory []OutcomeRecord              `json:"routing_history"`
}

// Snapshot copies the engine state one key at a time, so it never holds a
// lock across the whole engine.
func (e *Engine) Snapshot() State {
	st := State{
		Version:        stateVersion,
		SavedAt:        e.cfg.Now(),
		ToolMetrics:    make(map[string]ToolMetrics),
		PatternStats:   make(map[task.Pattern]PatternStat),
		SourceMetrics:  make(map[task.Signal]SourceStat),
		PerceptionHits: make(map[string]int),
	}

	e.decayMu.Lock()
	st.LastDecay = e.lastDecay
	e.decayMu.Unlock()

	e.mu.RLock()
	backends := make(map[string]*backendState, len(e.backends))
	for id, b := range e.backends {
		backends[id] = b
	}
	patterns := make(map[task.Pattern]*patternState, len(e.patterns))
	for p, ps := range e.patterns {
		patterns[p] = ps
	}
	e.mu.RUnlock()

	for id, b := range backends {
		b.mu.Lock()
		st.ToolMetrics[id] = b.m.clone()
		b.mu.Unlock()
	}
	for p, ps := range patterns {
		ps.mu.Lock()
		st.PatternStats[p] = ps.s.clone()
		ps.mu.Unlock()
	}

	e.sourceMu.Lock()
	for k, v := range e.sources {
		st.SourceMetrics[k] = v
	}
	e.sourceMu.Unlock()

	e.hitsMu.Lock()
	for k, v := range e.hits {
		st.PerceptionHits[k] = v
	}
	e.hitsMu.Unlock()

	e.histMu.Lock()
	history := e.history
	if len(history) > e.cfg.PersistedHistory {
		history = history[len(history)-e.cfg.PersistedHistory:]
	}
	st.RoutingHistory = append([]OutcomeRecord(nil), history...)
	e.histMu.Unlock()

	return st
}

// Restore replaces the engine state with st.
func (e *Engine) Restore(st State) {
	e.reset()

	e.mu.Lock()
	for id, m := range st.ToolMetrics {
		m = m.clone()
		if m.Trend == "" {
			m.Trend = TrendStable
		}
		m.Confidence = clamp01(m.Confidence)
		e.backends[id] = &backendState{m: m}
	}
	for p, ps := range st.PatternStats {
		e.patterns[p] = &patternState{s: ps.clone()}
	}
	e.mu.Unlock()

	e.sourceMu.Lock()
	for k, v := range st.SourceMetrics {
		e.sources[k] = v
	}
	e.sourceMu.Unlock()

	e.hitsMu.Lock()
	for k, v := range st.PerceptionHits {
		e.hits[k] = v
	}
	e.hitsMu.Unlock()

	e.histMu.Lock()
	e.history = append([]OutcomeRecord(nil), st.RoutingHistory...)
	e.histMu.Unlock()

	if !st.LastDecay.IsZero() {
		e.decayMu.Lock()
		e.lastDecay = st.LastDecay
		e.decayMu.Unlock()
	}
}

// Flush writes a snapshot to the store.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	data, err := json.Marshal(e.Snapshot())
	if err != nil {
		return fmt.Errorf("encode learning snapshot: %w", err)
	}
	if err := e.store.Save(ctx, e.cfg.SnapshotKey, data); err != nil {
		return fmt.Errorf("save learning snapshot: %w", err)
	}
	e.log.Debug().Int("bytes", len(data)).Msg("learning snapshot saved")
	return nil
}

// Load restores the last snapshot. A missing or unreadable snapshot leaves
// the engine in cold-start state and is not an error.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	data, err := e.store.Load(ctx, e.cfg.SnapshotKey)
	if errors.Is(err, snapshot.ErrNotFound) {
		e.log.Info().Msg("no learning snapshot, starting cold")
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn().Err(err).Msg("learning snapshot unreadable, starting cold")
		e.reset()
		return nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil || st.Version != stateVersion {
		e.log.Warn().Err(err).Int("version", st.Version).Msg("learning snapshot corrupt, starting cold")
		e.reset()
		return nil
	}
	e.Restore(st)
	e.log.Info().Int("backends", len(st.ToolMetrics)).Int("patterns", len(st.PatternStats)).Msg("learning snapshot loaded")
	return nil
}

// Run persists snapshots every SnapshotEvery outcomes and every
// SnapshotInterval until ctx is done, then flushes one last time.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	var saved int64
	flush := func(ctx context.Context) {
		n := e.recorded.Load()
		if n == saved {
			return
		}
		if err := e.Flush(ctx); err != nil {
			e.log.Warn().Err(err).Msg("learning snapshot failed")
			return
		}
		saved = n
	}

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(fctx)
			cancel()
			return
		case <-e.persist:
			flush(ctx)
		case <-ticker.C:
			flush(ctx)
		}
	}
}
