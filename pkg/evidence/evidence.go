// Package evidence writes a per-run trace of routing and execution to disk.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/switchboard/pkg/adapter"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
	PromptHash  string    `json:"prompt_hash,omitempty"`
	PromptRef   string    `json:"prompt_ref,omitempty"`
	Pattern     string    `json:"pattern"`
	// Decision is the routing decision as JSON.
	Decision       json.RawMessage `json:"decision,omitempty"`
	Backend        string          `json:"backend,omitempty"`
	Succeeded      bool            `json:"succeeded"`
	Error          string          `json:"error,omitempty"`
	OutputRef      string          `json:"output_ref,omitempty"`
	OutputHash     string          `json:"output_hash,omitempty"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
	Cost           *RunCostReport  `json:"cost,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
}

// AttemptRecord captures one backend attempt.
type AttemptRecord struct {
	Attempt        int     `json:"attempt"`
	Backend        string  `json:"backend"`
	Signal         string  `json:"signal"`
	Category       string  `json:"category,omitempty"`
	Error          string  `json:"error,omitempty"`
	Succeeded      bool    `json:"succeeded"`
	SuccessScore   float64 `json:"success_score"`
	Verification   string  `json:"verification,omitempty"`
	Repairs        int     `json:"repairs,omitempty"`
	TimeoutMillis  int64   `json:"timeout_ms"`
	DurationMillis int64   `json:"duration_ms"`
}

// RunCostReport summarizes usage and cost across attempts.
type RunCostReport struct {
	Currency    string               `json:"currency"`
	TotalAmount float64              `json:"total_amount"`
	TotalUsage  adapter.Usage        `json:"total_usage"`
	Calls       []adapter.CallReport `json:"calls,omitempty"`
	Budget      *BudgetStatus        `json:"budget,omitempty"`
}

// BudgetStatus reports the per-run spending limit.
type BudgetStatus struct {
	MaxAmount float64 `json:"max_amount"`
	Exceeded  bool    `json:"exceeded"`
	Reason    string  `json:"reason,omitempty"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "attempts"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteAttempt writes an attempt record to attempts/<n>-<backend>.json.
func (w *Writer) WriteAttempt(record AttemptRecord) error {
	name := fmt.Sprintf("%02d-%s.json", record.Attempt, sanitize(record.Backend))
	return writeJSON(filepath.Join(w.runDir, "attempts", name), record)
}

// WriteBlob stores content under blobs/, named by kind and SHA-256, and
// returns its path relative to the run directory along with the hash.
func (w *Writer) WriteBlob(kind string, content []byte) (ref, sha string, err error) {
	sum := sha256.Sum256(content)
	sha = hex.EncodeToString(sum[:])
	ref = "blobs/" + sanitize(kind) + "-" + sha[:16] + ".txt"

	path := filepath.Join(w.runDir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

// sanitize reduces s to lowercase letters, digits and underscores.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "blob"
	}
	return b.String()
}

// HashString returns the hex SHA-256 of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
