package learning

import (
	"fmt"
	"sort"
	"time"

	"github.com/zen-systems/switchboard/pkg/task"
)

// InsightKind classifies an entry of the recommendations feed.
type InsightKind string

const (
	InsightWarning InsightKind = "warning"
	InsightInfo    InsightKind = "insight"
)

// Insight is one entry of the recommendations feed.
type Insight struct {
	Kind      InsightKind `json:"kind"`
	BackendID string      `json:"backend_id"`
	TaskType  string      `json:"task_type,omitempty"`
	Message   string      `json:"message"`
}

// Recommendations scans every backend for degrading trends and for task
// types it handles unusually well or badly.
func (e *Engine) Recommendations() []Insight {
	metrics := e.allMetrics()

	ids := make([]string, 0, len(metrics))
	for id := range metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var feed []Insight
	for _, id := range ids {
		m := metrics[id]
		if m.Trend == TrendDegrading && m.TotalCalls >= recentWindow {
			feed = append(feed, Insight{
				Kind:      InsightWarning,
				BackendID: id,
				Message:   fmt.Sprintf("%s performance is degrading over its last %d calls", id, recentWindow),
			})
		}

		types := make([]string, 0, len(m.ByTaskType))
		for tt := range m.ByTaskType {
			types = append(types, tt)
		}
		sort.Strings(types)
		for _, tt := range types {
			c := m.ByTaskType[tt]
			switch rate := c.Rate(); {
			case rate > 0.9:
				feed = append(feed, Insight{
					Kind:      InsightInfo,
					BackendID: id,
					TaskType:  tt,
					Message:   fmt.Sprintf("%s excels at %s tasks (%.0f%% success); consider specializing", id, tt, rate*100),
				})
			case rate < 0.4 && c.Calls >= 5:
				feed = append(feed, Insight{
					Kind:      InsightWarning,
					BackendID: id,
					TaskType:  tt,
					Message:   fmt.Sprintf("%s struggles with %s tasks (%.0f%% success over %d calls); avoid routing them there", id, tt, rate*100, c.Calls),
				})
			}
		}
	}
	return feed
}

func (e *Engine) allMetrics() map[string]ToolMetrics {
	e.maybeDecay()

	e.mu.RLock()
	states := make(map[string]*backendState, len(e.backends))
	for id, b := range e.backends {
		states[id] = b
	}
	e.mu.RUnlock()

	out := make(map[string]ToolMetrics, len(states))
	for id, b := range states {
		b.mu.Lock()
		out[id] = b.m.clone()
		b.mu.Unlock()
	}
	return out
}

// BackendSummary is the per-backend view in a Summary.
type BackendSummary struct {
	ID          string  `json:"id"`
	Confidence  float64 `json:"confidence"`
	TotalCalls  int     `json:"total_calls"`
	SuccessRate float64 `json:"success_rate"`
	Trend       Trend   `json:"trend"`

	LatencyCount int           `json:"latency_count"`
	AvgLatency   time.Duration `json:"avg_latency"`
	MinLatency   time.Duration `json:"min_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
}

// Summary is the diagnostic view of learned state.
type Summary struct {
	TotalOutcomes   int                        `json:"total_outcomes"`
	Backends        []BackendSummary           `json:"backends"`
	Patterns        int                        `json:"patterns"`
	Sources         map[task.Signal]SourceStat `json:"sources"`
	PerceptionHits  int                        `json:"perception_hits"`
	Recommendations []Insight                  `json:"recommendations"`
	Thresholds      AdaptiveThresholds         `json:"thresholds"`
}

// Summary returns totals, per-backend views and the recommendations feed.
func (e *Engine) Summary() Summary {
	metrics := e.allMetrics()

	s := Summary{
		Backends:        make([]BackendSummary, 0, len(metrics)),
		Sources:         make(map[task.Signal]SourceStat),
		Recommendations: e.Recommendations(),
		Thresholds:      e.AdaptiveThresholds(),
	}
	for id, m := range metrics {
		s.TotalOutcomes += m.TotalCalls
		s.Backends = append(s.Backends, BackendSummary{
			ID:          id,
			Confidence:  m.Confidence,
			TotalCalls:  m.TotalCalls,
			SuccessRate: m.SuccessRate(),
			Trend:       m.Trend,

			LatencyCount: m.Latency.Count,
			AvgLatency:   m.Latency.Avg(),
			MinLatency:   m.Latency.Min,
			MaxLatency:   m.Latency.Max,
		})
	}
	sort.Slice(s.Backends, func(i, j int) bool {
		if s.Backends[i].Confidence != s.Backends[j].Confidence {
			return s.Backends[i].Confidence > s.Backends[j].Confidence
		}
		return s.Backends[i].ID < s.Backends[j].ID
	})

	e.mu.RLock()
	s.Patterns = len(e.patterns)
	e.mu.RUnlock()

	e.sourceMu.Lock()
	for k, v := range e.sources {
		s.Sources[k] = v
	}
	e.sourceMu.Unlock()

	e.hitsMu.Lock()
	for _, n := range e.hits {
		s.PerceptionHits += n
	}
	e.hitsMu.Unlock()

	return s
}
