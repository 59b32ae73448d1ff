package learning

import (
	"time"

	"github.com/zen-systems/switchboard/pkg/task"
)

// Verification is the result of checking an output.
type Verification string

const (
	VerificationNone         Verification = ""
	VerificationPassed       Verification = "passed"
	VerificationAutoRepaired Verification = "auto_repaired"
	VerificationFailed       Verification = "failed"
)

// Feedback is an explicit user judgement that overrides the computed score.
type Feedback string

const (
	FeedbackNone     Feedback = ""
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

// Execution describes how far a backend call got.
type Execution struct {
	Completed  bool `json:"completed"`
	Partial    bool `json:"partial,omitempty"`
	OutputSize int  `json:"output_size"`
}

// Outcome is one observed result to learn from.
type Outcome struct {
	Pattern      task.Pattern
	BackendID    string
	Source       task.Signal
	Execution    Execution
	Verification Verification
	Feedback     Feedback
	Latency      time.Duration
	// Failure is the failure category, empty on success.
	Failure string
}

// Result is returned by RecordOutcome.
type Result struct {
	Confidence   float64 `json:"confidence"`
	SuccessScore float64 `json:"success_score"`
	Success      bool    `json:"success"`
}

// OutcomeRecord is an entry of the routing history.
type OutcomeRecord struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	BackendID    string        `json:"backend_id"`
	Source       task.Signal   `json:"source,omitempty"`
	Pattern      task.Pattern  `json:"pattern"`
	SuccessScore float64       `json:"success_score"`
	Latency      time.Duration `json:"latency"`
	Failure      string        `json:"failure,omitempty"`
}

const (
	// SuccessThreshold is the score at which an outcome counts as a success.
	SuccessThreshold = 0.7
	// RecommendationFloor is the weighted score a recommendation must exceed.
	RecommendationFloor = 0.6

	minBackendCalls   = 3
	failureTimeout    = "timeout"
	recentWindow      = 10
	trendHalf         = 5
	trendDelta        = 0.15
	maxPerceptionKeys = 500
)

// Score computes the weighted success score of an outcome.
//
//	completion       40%  full 0.4, partial 0.2
//	verification     30%  passed 0.3, auto-repaired 0.15
//	substantiveness  20%  >=500 bytes 0.2, >=100 0.1, any 0.05
//	responsiveness   10%  <=5s 0.1, <=15s 0.05 (completed calls only)
//
// Positive feedback raises the score to at least 0.9, negative caps it at 0.3.
func Score(o Outcome) float64 {
	var s float64

	switch {
	case o.Execution.Completed:
		s += 0.4
	case o.Execution.Partial:
		s += 0.2
	}

	switch o.Verification {
	case VerificationPassed:
		s += 0.3
	case VerificationAutoRepaired:
		s += 0.15
	}

	switch size := o.Execution.OutputSize; {
	case size >= 500:
		s += 0.2
	case size >= 100:
		s += 0.1
	case size > 0:
		s += 0.05
	}

	if o.Execution.Completed {
		switch {
		case o.Latency <= 5*time.Second:
			s += 0.1
		case o.Latency <= 15*time.Second:
			s += 0.05
		}
	}

	switch o.Feedback {
	case FeedbackPositive:
		if s < 0.9 {
			s = 0.9
		}
	case FeedbackNegative:
		if s > 0.3 {
			s = 0.3
		}
	}
	return clamp01(s)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
