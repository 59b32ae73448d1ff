package router

import (
	"sort"
	"strings"

	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/task"
)

// RuleSet contains the compiled trigger rules for task-type matching.
type RuleSet struct {
	taskTypes map[string]config.TaskType
	// Compiled rules ordered by specificity (longer triggers first)
	rules []compiledRule
}

type compiledRule struct {
	taskType string
	trigger  string
}

// NewRuleSet creates a new rule set from routing configuration.
func NewRuleSet(cfg *config.RoutingConfig) *RuleSet {
	rs := &RuleSet{}
	if cfg != nil {
		rs.taskTypes = cfg.TaskTypes
	}
	rs.compile()
	return rs
}

// compile builds the list of rules sorted by trigger length (longest first).
func (rs *RuleSet) compile() {
	rs.rules = nil

	for name, taskType := range rs.taskTypes {
		for _, trigger := range taskType.Triggers {
			rs.rules = append(rs.rules, compiledRule{
				taskType: name,
				trigger:  strings.ToLower(trigger),
			})
		}
	}

	sort.SliceStable(rs.rules, func(i, j int) bool {
		if len(rs.rules[i].trigger) != len(rs.rules[j].trigger) {
			return len(rs.rules[i].trigger) > len(rs.rules[j].trigger)
		}
		if rs.rules[i].trigger != rs.rules[j].trigger {
			return rs.rules[i].trigger < rs.rules[j].trigger
		}
		return rs.rules[i].taskType < rs.rules[j].taskType
	})
}

// Match returns the task type of the most specific trigger found in the
// prompt, or the general type if none matches.
func (rs *RuleSet) Match(prompt string) string {
	promptLower := strings.ToLower(prompt)

	for _, rule := range rs.rules {
		if containsTrigger(promptLower, rule.trigger) {
			return rule.taskType
		}
	}

	return task.TypeGeneral
}

// RouteInfo describes a task type and the backends specialized for it.
type RouteInfo struct {
	TaskType    string
	Triggers    []string
	Specialists []string // Backend IDs in priority order
}

// Routes lists every configured task type with its specialists.
func Routes(cfg *config.RoutingConfig) []RouteInfo {
	if cfg == nil {
		return nil
	}
	backends := append([]config.BackendConfig(nil), cfg.Backends...)
	sort.SliceStable(backends, func(i, j int) bool {
		return backends[i].Priority < backends[j].Priority
	})

	var routes []RouteInfo
	for name, taskType := range cfg.TaskTypes {
		info := RouteInfo{TaskType: name, Triggers: taskType.Triggers}
		for _, b := range backends {
			for _, s := range b.Specializations {
				if s == name {
					info.Specialists = append(info.Specialists, b.ID)
					break
				}
			}
		}
		routes = append(routes, info)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].TaskType < routes[j].TaskType })
	return routes
}

// containsTrigger checks if the prompt contains the trigger phrase.
// It looks for the trigger as a word or phrase boundary match.
func containsTrigger(prompt, trigger string) bool {
	if trigger == "" {
		return false
	}
	for offset := 0; offset < len(prompt); {
		idx := strings.Index(prompt[offset:], trigger)
		if idx == -1 {
			return false
		}
		idx += offset

		// Check word boundary before and after the trigger
		endIdx := idx + len(trigger)
		before := idx == 0 || !isWordChar(prompt[idx-1])
		after := endIdx >= len(prompt) || !isWordChar(prompt[endIdx])
		if before && after {
			return true
		}
		offset = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
