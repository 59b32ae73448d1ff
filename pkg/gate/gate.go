// Package gate checks backend output before it is credited to the backend.
package gate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zen-systems/switchboard/pkg/artifact"
	"github.com/zen-systems/switchboard/pkg/config"
)

// Gate defines the interface for output gates.
type Gate interface {
	// Evaluate checks an artifact against the gate's criteria. An error
	// means the gate itself could not run, not that the output failed.
	Evaluate(ctx context.Context, out *artifact.Artifact) (*Result, error)

	// Name returns the gate identifier.
	Name() string
}

// Result contains the outcome of a gate evaluation.
type Result struct {
	Gate        string          `json:"gate,omitempty"`
	Passed      bool            `json:"passed"`
	Violations  []Violation     `json:"violations,omitempty"`
	RepairHints []string        `json:"repair_hints,omitempty"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
}

// Violation describes a specific quality issue.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"` // "error", "warning", "info"
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Check runs every gate against out and merges their results. The merged
// result passes only if every gate passed.
func Check(ctx context.Context, gates []Gate, out *artifact.Artifact) (*Result, error) {
	merged := &Result{Passed: true}
	for _, g := range gates {
		res, err := g.Evaluate(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if res.Passed {
			continue
		}
		merged.Passed = false
		for _, v := range res.Violations {
			v.Rule = g.Name() + "/" + v.Rule
			merged.Violations = append(merged.Violations, v)
		}
		merged.RepairHints = append(merged.RepairHints, res.RepairHints...)
	}
	return merged, nil
}

// FromConfig builds the gates described by cfg.
func FromConfig(cfg []config.GateConfig) ([]Gate, error) {
	gates := make([]Gate, 0, len(cfg))
	for i, c := range cfg {
		var (
			g   Gate
			err error
		)
		if len(c.Command) > 0 {
			g, err = NewCommandGate(c.Name, c.Command, c.Workdir)
		} else {
			g, err = NewPatternGate(c.Name, c.Require, c.Forbid)
		}
		if err != nil {
			return nil, fmt.Errorf("gate %d: %w", i, err)
		}
		gates = append(gates, g)
	}
	return gates, nil
}
