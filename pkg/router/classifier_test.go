package router

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/task"
)

func TestAnalyzeConfidence(t *testing.T) {
	cfg := &config.RoutingConfig{
		TaskTypes: map[string]config.TaskType{
			"alpha": {Triggers: []string{"alpha", "beta", "gamma"}},
			"beta":  {Triggers: []string{"alpha", "beta"}},
		},
	}

	c := NewHeuristicClassifier(cfg).Analyze(task.Request{Prompt: "alpha beta gamma"})
	if c.Context.TaskType != "alpha" {
		t.Fatalf("expected alpha, got %s", c.Context.TaskType)
	}
	if len(c.Candidates) < 2 {
		t.Fatalf("expected candidates")
	}
	if c.Candidates[0].Score != 3 || c.Candidates[1].Score != 2 {
		t.Fatalf("unexpected scores: %+v", c.Candidates)
	}

	want := 0.55
	if math.Abs(c.Confidence-want) > 0.02 {
		t.Fatalf("confidence mismatch: got %.2f want %.2f", c.Confidence, want)
	}
}

func TestAnalyzeStrongMatch(t *testing.T) {
	cfg := &config.RoutingConfig{
		TaskTypes: map[string]config.TaskType{
			"alpha": {Triggers: []string{"alpha", "beta", "gamma"}},
			"beta":  {Triggers: []string{"delta"}},
		},
	}

	c := NewHeuristicClassifier(cfg).Analyze(task.Request{Prompt: "alpha beta gamma"})
	if c.Context.TaskType != "alpha" {
		t.Fatalf("expected alpha, got %s", c.Context.TaskType)
	}
	if c.Confidence < 0.9 {
		t.Fatalf("expected high confidence, got %.2f", c.Confidence)
	}
}

func TestAnalyzeNoMatches(t *testing.T) {
	cfg := &config.RoutingConfig{
		TaskTypes: map[string]config.TaskType{
			"alpha": {Triggers: []string{"alpha"}},
		},
	}

	c := NewHeuristicClassifier(cfg).Analyze(task.Request{Prompt: "no matches here"})
	if c.Context.TaskType != task.TypeGeneral {
		t.Fatalf("expected general, got %s", c.Context.TaskType)
	}
	if c.Confidence != 0 {
		t.Fatalf("expected confidence 0, got %.2f", c.Confidence)
	}
	if len(c.Candidates) != 0 {
		t.Fatalf("expected no candidates")
	}
}

func TestClassifyComplexity(t *testing.T) {
	classifier := NewHeuristicClassifier(config.DefaultRoutingConfig())

	tests := []struct {
		name string
		req  task.Request
		want task.Complexity
	}{
		{"short prompt", task.Request{Prompt: "fix the typo"}, task.ComplexityLow},
		{"medium prompt", task.Request{Prompt: strings.Repeat("x", 3000)}, task.ComplexityMedium},
		{"a few files", task.Request{Prompt: "fix it", Files: []string{"a.go", "b.go", "c.go", "d.go"}}, task.ComplexityMedium},
		{"large prompt", task.Request{Prompt: strings.Repeat("x", 25000)}, task.ComplexityHigh},
		{"many files", task.Request{Prompt: "fix it", Files: make([]string, 11)}, task.ComplexityHigh},
		{"complexity trigger", task.Request{Prompt: "find the race condition in the worker"}, task.ComplexityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := classifier.Classify(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if tc.Complexity != tt.want {
				t.Errorf("complexity = %s, want %s", tc.Complexity, tt.want)
			}
			if tc.PromptSize != len(tt.req.Prompt) {
				t.Errorf("prompt size = %d, want %d", tc.PromptSize, len(tt.req.Prompt))
			}
		})
	}
}

func TestClassifyCountsFileReferences(t *testing.T) {
	classifier := NewHeuristicClassifier(config.DefaultRoutingConfig())

	tc, err := classifier.Classify(context.Background(), task.Request{
		Prompt: "refactor pkg/router/router.go and pkg/health/health.go",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if tc.FileCount != 2 {
		t.Errorf("file count = %d, want 2", tc.FileCount)
	}
	if tc.TaskType != task.TypeCoding {
		t.Errorf("task type = %s, want coding", tc.TaskType)
	}
	if tc.Pattern() != "low:coding:single" {
		t.Errorf("pattern = %s", tc.Pattern())
	}
}

func TestClassifyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHeuristicClassifier(nil).Classify(ctx, task.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		req  task.Request
		want string
	}{
		{"empty", task.Request{}, "s0:w0:c0:f0:q0"},
		{"question", task.Request{Prompt: "what is a goroutine?"}, "s0:w0:c0:f0:q1"},
		{"code block", task.Request{Prompt: "fix this\n```go\nfunc main() {}\n```\n"}, "s0:w0:c1:f0:q0"},
		{"attached files", task.Request{Prompt: "review", Files: []string{"a.go", "b.go"}}, "s0:w0:c0:f2:q0"},
		{"file refs", task.Request{Prompt: "compare main.go with util.py"}, "s0:w0:c0:f2:q0"},
		{"large", task.Request{Prompt: strings.Repeat("word ", 12000)}, "s4:w4:c0:f0:q0"},
		{"questions capped", task.Request{Prompt: strings.Repeat("?", 9)}, "s0:w0:c0:f0:q5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.req); got != tt.want {
				t.Errorf("Fingerprint() = %s, want %s", got, tt.want)
			}
		})
	}
}
