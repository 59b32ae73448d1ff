package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zen-systems/switchboard/pkg/task"
)

var fileRefPattern = regexp.MustCompile(`[\w./-]+\.(?:go|py|ts|tsx|js|jsx|rs|java|kt|c|h|cc|cpp|hpp|rb|php|cs|swift|sql|sh|md|yaml|yml|json|toml|proto)\b`)

var (
	sizeBuckets = []int{500, 2000, 10000, 50000}
	wordBuckets = []int{20, 100, 500, 2000}
)

const (
	maxCodeBlocks = 5
	maxFileRefs   = 10
	maxQuestions  = 5
)

// Fingerprint summarizes the shape of a request as
// s<size>:w<words>:c<code blocks>:f<file refs>:q<question marks>.
// Requests with the same fingerprint classify the same way.
func Fingerprint(req task.Request) string {
	codeBlocks := strings.Count(req.Prompt, "```") / 2
	return fmt.Sprintf("s%d:w%d:c%d:f%d:q%d",
		bucket(len(req.Prompt), sizeBuckets),
		bucket(len(strings.Fields(req.Prompt)), wordBuckets),
		min(codeBlocks, maxCodeBlocks),
		min(fileCount(req), maxFileRefs),
		min(strings.Count(req.Prompt, "?"), maxQuestions),
	)
}

func bucket(v int, bounds []int) int {
	for i, b := range bounds {
		if v < b {
			return i
		}
	}
	return len(bounds)
}
