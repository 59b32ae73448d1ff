package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/switchboard/pkg/artifact"
)

// MockAdapter returns deterministic responses for local runs and tests.
// Failures, delays and ping errors can be scripted per model.
type MockAdapter struct {
	mu              sync.Mutex
	responses       map[string]string
	defaultResponse string
	failures        map[string]error
	delays          map[string]time.Duration
	pingErr         error
	calls           map[string]int
	Usage           *Usage
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return NewMockAdapterWithResponses(nil, "")
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	if responses == nil {
		responses = make(map[string]string)
	}
	return &MockAdapter{
		responses:       responses,
		defaultResponse: defaultResponse,
		failures:        make(map[string]error),
		delays:          make(map[string]time.Duration),
		calls:           make(map[string]int),
	}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// FailModel makes every call for model return err.
func (a *MockAdapter) FailModel(model string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, model)
		return
	}
	a.failures[model] = err
}

// DelayModel makes calls for model block for d or until ctx is done.
func (a *MockAdapter) DelayModel(model string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delays[model] = d
}

// SetPingError sets the error returned by Ping.
func (a *MockAdapter) SetPingError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pingErr = err
}

// Calls returns how many times model was invoked.
func (a *MockAdapter) Calls(model string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[model]
}

// Generate returns a deterministic artifact for the prompt.
func (a *MockAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	if model == "" {
		model = "mock-1"
	}

	a.mu.Lock()
	a.calls[model]++
	delay := a.delays[model]
	failure := a.failures[model]
	response, ok := a.responses[prompt]
	a.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		response = fmt.Sprintf("%s\n%s", a.defaultResponse, prompt)
	}
	return &Response{Artifact: artifact.New(response, a.Name(), model, prompt), Usage: a.Usage}, nil
}

// Ping returns the scripted ping error.
func (a *MockAdapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pingErr
}
