package adapter

import (
	"context"
)

// Adapter defines the interface for backend provider adapters.
type Adapter interface {
	// Generate sends a prompt to the model and returns its output.
	Generate(ctx context.Context, model string, prompt string) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Pinger is implemented by adapters that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
