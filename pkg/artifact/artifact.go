package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact is the output of one successful backend call.
type Artifact struct {
	ID        string            `json:"id"`
	Backend   string            `json:"backend,omitempty"`
	Content   string            `json:"content"`
	Adapter   string            `json:"adapter"`
	Model     string            `json:"model"`
	Prompt    string            `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Hash      string            `json:"hash"`
}

// New creates a new Artifact with computed hash.
func New(content, adapter, model, prompt string) *Artifact {
	a := &Artifact{
		ID:        uuid.NewString(),
		Content:   content,
		Adapter:   adapter,
		Model:     model,
		Prompt:    prompt,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// Empty reports whether the artifact carries no visible content.
func (a *Artifact) Empty() bool {
	return a == nil || strings.TrimSpace(a.Content) == ""
}

// Size returns the content length in bytes.
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Content)
}

// ForBackend returns a copy attributed to the given backend.
func (a *Artifact) ForBackend(id string) *Artifact {
	cp := a.clone()
	cp.Backend = id
	return cp
}

// WithMetadata returns a new artifact with additional metadata.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	cp := a.clone()
	cp.Metadata[key] = value
	return cp
}

func (a *Artifact) clone() *Artifact {
	cp := *a
	cp.Metadata = make(map[string]string, len(a.Metadata)+1)
	for k, v := range a.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Content))
	h.Write([]byte(a.Adapter))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
