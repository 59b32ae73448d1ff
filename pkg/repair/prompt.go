// Package repair builds the follow-up prompts sent to a backend whose output
// failed its gates.
package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/switchboard/pkg/artifact"
	"github.com/zen-systems/switchboard/pkg/gate"
)

// Prompt asks the backend to fix the gate failures in previous while still
// answering the original request.
func Prompt(request string, previous *artifact.Artifact, result *gate.Result) string {
	var sb strings.Builder

	sb.WriteString("Original request:\n---\n")
	sb.WriteString(request)
	sb.WriteString("\n---\n\n")

	sb.WriteString("Your previous answer failed automated checks:\n---\n")
	sb.WriteString(previous.Content)
	sb.WriteString("\n---\n\n")

	writeIssues(&sb, result)

	if len(result.RepairHints) > 0 {
		sb.WriteString("\nRepair hints:\n")
		for _, hint := range result.RepairHints {
			fmt.Fprintf(&sb, "- %s\n", hint)
		}
	}

	sb.WriteString("\nFix all issues and reply with the complete corrected answer only.")
	return sb.String()
}

// Escalate is used when a repair returned the same output again.
func Escalate(request string, previous *artifact.Artifact, result *gate.Result) string {
	var sb strings.Builder

	sb.WriteString("Your previous answers are repeating and still fail automated checks.\n")
	sb.WriteString("Do NOT repeat the previous output; take a different approach.\n\n")

	sb.WriteString("Original request:\n---\n")
	sb.WriteString(request)
	sb.WriteString("\n---\n\n")

	writeIssues(&sb, result)

	sb.WriteString("\nPrevious output:\n---\n")
	sb.WriteString(previous.Content)
	sb.WriteString("\n---\n")
	sb.WriteString("\nReply with a corrected answer that resolves every issue above.")
	return sb.String()
}

func writeIssues(sb *strings.Builder, result *gate.Result) {
	sb.WriteString("Issues found:\n")
	for _, v := range result.Violations {
		fmt.Fprintf(sb, "- [%s] %s: %s\n", v.Severity, v.Rule, v.Message)
		if v.Suggestion != "" {
			fmt.Fprintf(sb, "  Suggestion: %s\n", v.Suggestion)
		}
	}
}
