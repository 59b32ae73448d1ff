package router

import (
	"strings"
	"testing"

	"github.com/zen-systems/switchboard/pkg/config"
)

func TestRuleSet_Match(t *testing.T) {
	cfg := config.DefaultRoutingConfig()
	rs := NewRuleSet(cfg)

	tests := []struct {
		name             string
		prompt           string
		expectedTaskType string
	}{
		{
			name:             "research trigger",
			prompt:           "Research best practices for Go error handling",
			expectedTaskType: "research",
		},
		{
			name:             "what is trigger",
			prompt:           "What is the difference between channels and mutexes?",
			expectedTaskType: "research",
		},
		{
			name:             "summarize trigger",
			prompt:           "Summarize this document for me",
			expectedTaskType: "research",
		},
		{
			name:             "implement trigger",
			prompt:           "Implement a rate limiter",
			expectedTaskType: "coding",
		},
		{
			name:             "write a function trigger",
			prompt:           "Write a function that validates email addresses",
			expectedTaskType: "coding",
		},
		{
			name:             "review trigger",
			prompt:           "Review this for security vulnerabilities",
			expectedTaskType: "analysis",
		},
		{
			name:             "calculate trigger",
			prompt:           "Calculate the complexity of this algorithm",
			expectedTaskType: "reasoning",
		},
		{
			name:             "longest trigger wins",
			prompt:           "Explain this bug step by step",
			expectedTaskType: "reasoning",
		},
		{
			name:             "general - no trigger match",
			prompt:           "What time is it?",
			expectedTaskType: "general",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rs.Match(tt.prompt); got != tt.expectedTaskType {
				t.Errorf("Match() = %v, want %v", got, tt.expectedTaskType)
			}
		})
	}
}

func TestContainsTrigger(t *testing.T) {
	tests := []struct {
		name     string
		prompt   string
		trigger  string
		expected bool
	}{
		{
			name:     "exact match at start",
			prompt:   "research this topic",
			trigger:  "research",
			expected: true,
		},
		{
			name:     "exact match in middle",
			prompt:   "please research this topic",
			trigger:  "research",
			expected: true,
		},
		{
			name:     "exact match at end",
			prompt:   "do some research",
			trigger:  "research",
			expected: true,
		},
		{
			name:     "case insensitive match",
			prompt:   "RESEARCH this topic",
			trigger:  "research",
			expected: true,
		},
		{
			name:     "partial word - should not match",
			prompt:   "preresearch the topic",
			trigger:  "research",
			expected: false,
		},
		{
			name:     "partial word suffix - should not match",
			prompt:   "researching the topic",
			trigger:  "research",
			expected: false,
		},
		{
			name:     "later whole-word occurrence",
			prompt:   "prefix handling needs a fix",
			trigger:  "fix",
			expected: true,
		},
		{
			name:     "multi-word trigger",
			prompt:   "write a function to parse JSON",
			trigger:  "write a function",
			expected: true,
		},
		{
			name:     "trigger with punctuation after",
			prompt:   "fix, the bug",
			trigger:  "fix",
			expected: true,
		},
		{
			name:     "empty trigger",
			prompt:   "anything",
			trigger:  "",
			expected: false,
		},
		{
			name:     "no match",
			prompt:   "hello world",
			trigger:  "research",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// containsTrigger expects lowercase inputs
			result := containsTrigger(strings.ToLower(tt.prompt), tt.trigger)
			if result != tt.expected {
				t.Errorf("containsTrigger(%q, %q) = %v, want %v",
					tt.prompt, tt.trigger, result, tt.expected)
			}
		})
	}
}

func TestRuleSet_LongerTriggerPrecedence(t *testing.T) {
	cfg := &config.RoutingConfig{
		TaskTypes: map[string]config.TaskType{
			"simple_refactor": {Triggers: []string{"refactor"}},
			"large_refactor":  {Triggers: []string{"large refactor"}},
		},
	}

	rs := NewRuleSet(cfg)

	if got := rs.Match("Please do a large refactor of this module"); got != "large_refactor" {
		t.Errorf("expected large_refactor, got %s", got)
	}
	if got := rs.Match("Refactor this function"); got != "simple_refactor" {
		t.Errorf("expected simple_refactor, got %s", got)
	}
}

func TestRoutes(t *testing.T) {
	routes := Routes(config.DefaultRoutingConfig())
	if len(routes) != 4 {
		t.Fatalf("expected 4 routes, got %d", len(routes))
	}
	byType := make(map[string]RouteInfo)
	for _, r := range routes {
		byType[r.TaskType] = r
	}

	coding := byType["coding"]
	if strings.Join(coding.Specialists, ",") != "deepseek,anthropic" {
		t.Errorf("coding specialists = %v", coding.Specialists)
	}
	if len(coding.Triggers) == 0 {
		t.Error("expected coding triggers")
	}
	if routes[0].TaskType != "analysis" {
		t.Errorf("routes not sorted: first is %s", routes[0].TaskType)
	}
}
