// Package task holds the request vocabulary shared by the router, the
// learning engine and the orchestrator.
package task

import (
	"context"
	"fmt"
	"strings"
)

// Complexity is a coarse difficulty tier for a request.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether c is one of the known tiers.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// Common task types. TaskType is free-form; these are the ones the default
// configuration knows about.
const (
	TypeGeneral   = "general"
	TypeCoding    = "coding"
	TypeAnalysis  = "analysis"
	TypeReasoning = "reasoning"
	TypeResearch  = "research"
)

// MultiFileThreshold is the file count above which a request is "multi".
const MultiFileThreshold = 3

// Context is the classification of a single request.
type Context struct {
	Complexity Complexity `json:"complexity"`
	TaskType   string     `json:"task_type"`
	FileCount  int        `json:"file_count"`
	PromptSize int        `json:"prompt_size"`
}

// Pattern derives the learning key for the context.
func (c Context) Pattern() Pattern {
	shape := "single"
	if c.FileCount > MultiFileThreshold {
		shape = "multi"
	}
	taskType := c.TaskType
	if taskType == "" {
		taskType = TypeGeneral
	}
	complexity := c.Complexity
	if complexity == "" {
		complexity = ComplexityLow
	}
	return Pattern(fmt.Sprintf("%s:%s:%s", complexity, taskType, shape))
}

// Pattern is the context-pattern key complexity:taskType:single|multi.
type Pattern string

// Parts splits a pattern into its components.
func (p Pattern) Parts() (complexity Complexity, taskType string, multi bool, err error) {
	parts := strings.Split(string(p), ":")
	if len(parts) != 3 {
		return "", "", false, fmt.Errorf("invalid context pattern %q", p)
	}
	complexity = Complexity(parts[0])
	if !complexity.Valid() {
		return "", "", false, fmt.Errorf("invalid complexity in pattern %q", p)
	}
	if parts[1] == "" {
		return "", "", false, fmt.Errorf("missing task type in pattern %q", p)
	}
	switch parts[2] {
	case "single":
	case "multi":
		multi = true
	default:
		return "", "", false, fmt.Errorf("invalid shape in pattern %q", p)
	}
	return complexity, parts[1], multi, nil
}

// Signal names the routing rule that picked a backend.
type Signal string

const (
	SignalSizeOverride       Signal = "size_override"
	SignalUserPreference     Signal = "user_preference"
	SignalHealthFallback     Signal = "health_fallback"
	SignalTaskSpecialization Signal = "task_specialization"
	SignalLearned            Signal = "learned_recommendation"
	SignalDefault            Signal = "default"
	// SignalFallback marks attempts made further down a fallback chain.
	SignalFallback Signal = "fallback"
)

// Request is a single unit of work to be routed.
type Request struct {
	ID     string   `json:"id,omitempty"`
	Prompt string   `json:"prompt"`
	Files  []string `json:"files,omitempty"`
	// PreferredBackend names a backend the caller wants, if any.
	PreferredBackend string `json:"preferred_backend,omitempty"`
}

// Classifier turns a raw request into a Context.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Context, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, req Request) (Context, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, req Request) (Context, error) {
	return f(ctx, req)
}
