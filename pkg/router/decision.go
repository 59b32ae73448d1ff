package router

import "github.com/zen-systems/switchboard/pkg/task"

// RoutingFeedback captures post-run routing feedback.
type RoutingFeedback struct {
	Succeeded      bool   `json:"succeeded"`
	AttemptsNeeded int    `json:"attempts_needed"`
	WouldReroute   string `json:"would_reroute,omitempty"`
}

// Decision captures routing decision details.
type Decision struct {
	SelectedBackend string       `json:"selected_backend"`
	FallbackChain   []string     `json:"fallback_chain"`
	WinningSignal   task.Signal  `json:"winning_signal"`
	Reason          string       `json:"reason"`
	Confidence      float64      `json:"confidence"`
	Context         task.Context `json:"context"`
	Pattern         task.Pattern `json:"pattern"`
	Fingerprint     string       `json:"fingerprint"`
	Cached          bool         `json:"cached"`
	// DeferredPreference is a requested backend skipped because its circuit
	// was open.
	DeferredPreference string           `json:"deferred_preference,omitempty"`
	Feedback           *RoutingFeedback `json:"post_run_feedback,omitempty"`
}

// Signal returns the signal credited for an attempt on backend: the winning
// signal for the selected backend, fallback for the rest of the chain.
func (d *Decision) Signal(backend string) task.Signal {
	if d == nil || backend != d.SelectedBackend {
		return task.SignalFallback
	}
	return d.WinningSignal
}
