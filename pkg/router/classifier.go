package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/task"
)

// Complexity tier boundaries.
const (
	highComplexitySize   = 20000
	highComplexityFiles  = 10
	mediumComplexitySize = 2000
)

// Candidate captures a heuristic candidate task type.
type Candidate struct {
	TaskType string   `json:"task_type"`
	Score    int      `json:"score"`
	Triggers []string `json:"triggers,omitempty"`
}

// Classification is the detailed result of heuristic classification.
type Classification struct {
	Context    task.Context `json:"context"`
	Confidence float64      `json:"confidence"`
	Reasons    []string     `json:"reasons,omitempty"`
	Candidates []Candidate  `json:"candidates,omitempty"`
}

// HeuristicClassifier derives a task context from trigger phrases and the
// shape of the request.
type HeuristicClassifier struct {
	taskTypes          map[string]config.TaskType
	complexityTriggers []string
}

// NewHeuristicClassifier creates a classifier from routing config.
func NewHeuristicClassifier(cfg *config.RoutingConfig) *HeuristicClassifier {
	c := &HeuristicClassifier{}
	if cfg != nil {
		c.taskTypes = cfg.TaskTypes
		for _, t := range cfg.ComplexityTriggers {
			c.complexityTriggers = append(c.complexityTriggers, strings.ToLower(t))
		}
	}
	return c
}

// Classify implements task.Classifier.
func (c *HeuristicClassifier) Classify(ctx context.Context, req task.Request) (task.Context, error) {
	if err := ctx.Err(); err != nil {
		return task.Context{}, err
	}
	return c.Analyze(req).Context, nil
}

// Analyze classifies req and reports how it got there.
func (c *HeuristicClassifier) Analyze(req task.Request) *Classification {
	promptLower := strings.ToLower(req.Prompt)
	out := &Classification{
		Context: task.Context{
			TaskType:   task.TypeGeneral,
			FileCount:  fileCount(req),
			PromptSize: len(req.Prompt),
		},
	}

	candidates := scoreTaskTypes(promptLower, c.taskTypes)
	if len(candidates) == 0 {
		out.Reasons = append(out.Reasons, "no triggers matched; using general")
	} else {
		out.Context.TaskType = candidates[0].TaskType
		out.Confidence = triggerConfidence(candidates)
		out.Candidates = candidates
		second := 0
		if len(candidates) > 1 {
			second = candidates[1].Score
		}
		out.Reasons = append(out.Reasons, fmt.Sprintf("top_score=%d second_score=%d", candidates[0].Score, second))
	}

	complexity, why := c.complexity(promptLower, out.Context)
	out.Context.Complexity = complexity
	out.Reasons = append(out.Reasons, why)
	return out
}

func (c *HeuristicClassifier) complexity(promptLower string, tc task.Context) (task.Complexity, string) {
	switch {
	case tc.PromptSize > highComplexitySize:
		return task.ComplexityHigh, fmt.Sprintf("complexity=high: prompt is %d bytes", tc.PromptSize)
	case tc.FileCount > highComplexityFiles:
		return task.ComplexityHigh, fmt.Sprintf("complexity=high: %d files", tc.FileCount)
	}
	for _, trig := range c.complexityTriggers {
		if containsTrigger(promptLower, trig) {
			return task.ComplexityHigh, fmt.Sprintf("complexity=high: mentions %q", trig)
		}
	}
	switch {
	case tc.PromptSize > mediumComplexitySize:
		return task.ComplexityMedium, fmt.Sprintf("complexity=medium: prompt is %d bytes", tc.PromptSize)
	case tc.FileCount > task.MultiFileThreshold:
		return task.ComplexityMedium, fmt.Sprintf("complexity=medium: %d files", tc.FileCount)
	}
	return task.ComplexityLow, "complexity=low"
}

// scoreTaskTypes scores task types by trigger matches and returns the top
// three.
func scoreTaskTypes(promptLower string, taskTypes map[string]config.TaskType) []Candidate {
	var candidates []Candidate
	for taskType, tt := range taskTypes {
		var matched []string
		for _, trig := range tt.Triggers {
			if containsTrigger(promptLower, strings.ToLower(trig)) {
				matched = append(matched, trig)
			}
		}
		if len(matched) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			TaskType: taskType,
			Score:    len(matched),
			Triggers: matched,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].TaskType < candidates[j].TaskType
		}
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	return candidates
}

func triggerConfidence(candidates []Candidate) float64 {
	topScore := candidates[0].Score
	secondScore := 0
	if len(candidates) > 1 {
		secondScore = candidates[1].Score
	}

	margin := float64(topScore-secondScore) / float64(max(topScore, 1))
	strength := float64(min(topScore, 5)) / 5.0
	confidence := 0.75*margin + 0.25*strength
	if topScore >= 2 && secondScore == 0 {
		confidence = max(confidence, 0.9)
	}
	if topScore >= 3 {
		confidence = min(confidence+0.15, 1.0)
	}
	return confidence
}

// fileCount is the number of attached files, or the number of file
// references in the prompt when nothing is attached.
func fileCount(req task.Request) int {
	if len(req.Files) > 0 {
		return len(req.Files)
	}
	return len(fileRefPattern.FindAllString(req.Prompt, -1))
}
