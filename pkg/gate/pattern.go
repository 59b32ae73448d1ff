package gate

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/zen-systems/switchboard/pkg/artifact"
)

// PatternGate passes output that matches every required pattern and none of
// the forbidden ones.
type PatternGate struct {
	name    string
	require []*regexp.Regexp
	forbid  []*regexp.Regexp
}

// NewPatternGate compiles the given patterns.
func NewPatternGate(name string, require, forbid []string) (*PatternGate, error) {
	if len(require) == 0 && len(forbid) == 0 {
		return nil, errors.New("pattern gate requires at least one pattern")
	}
	if name == "" {
		name = "pattern"
	}
	g := &PatternGate{name: name}
	var err error
	if g.require, err = compileAll(require); err != nil {
		return nil, err
	}
	if g.forbid, err = compileAll(forbid); err != nil {
		return nil, err
	}
	return g, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Name returns the gate identifier.
func (g *PatternGate) Name() string {
	return g.name
}

// Evaluate matches the output content against the patterns.
func (g *PatternGate) Evaluate(_ context.Context, out *artifact.Artifact) (*Result, error) {
	content := ""
	if out != nil {
		content = out.Content
	}
	result := &Result{Gate: g.name, Passed: true}
	for _, re := range g.require {
		if !re.MatchString(content) {
			result.Violations = append(result.Violations, Violation{
				Rule:       "missing_required",
				Severity:   "error",
				Message:    fmt.Sprintf("output does not match %q", re.String()),
				Suggestion: "include content matching " + re.String(),
			})
		}
	}
	for _, re := range g.forbid {
		if loc := re.FindString(content); loc != "" {
			result.Violations = append(result.Violations, Violation{
				Rule:       "forbidden_content",
				Severity:   "error",
				Message:    fmt.Sprintf("output contains %q", loc),
				Suggestion: "remove content matching " + re.String(),
			})
		}
	}
	result.Passed = len(result.Violations) == 0
	return result, nil
}
