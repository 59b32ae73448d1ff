// Package orchestrator executes a routing decision: it walks the fallback
// chain, guards each attempt with the backend's circuit breaker and feeds
// every result back into health and learning.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/artifact"
	"github.com/zen-systems/switchboard/pkg/breaker"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/evidence"
	"github.com/zen-systems/switchboard/pkg/gate"
	"github.com/zen-systems/switchboard/pkg/health"
	"github.com/zen-systems/switchboard/pkg/learning"
	"github.com/zen-systems/switchboard/pkg/repair"
	"github.com/zen-systems/switchboard/pkg/router"
	"github.com/zen-systems/switchboard/pkg/task"
)

var (
	// ErrChainExhausted matches a *ChainExhaustedError.
	ErrChainExhausted = errors.New("fallback chain exhausted")
	// ErrBudgetExceeded is recorded for attempts skipped by the run budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// Executor performs one call against a backend.
type Executor interface {
	Execute(ctx context.Context, desc health.Descriptor, prompt string) (*adapter.Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, desc health.Descriptor, prompt string) (*adapter.Response, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, desc health.Descriptor, prompt string) (*adapter.Response, error) {
	return f(ctx, desc, prompt)
}

// AdapterExecutor dispatches calls to provider adapters by name.
type AdapterExecutor struct {
	adapters map[string]adapter.Adapter
}

// NewAdapterExecutor creates an executor over the given adapters.
func NewAdapterExecutor(adapters map[string]adapter.Adapter) *AdapterExecutor {
	return &AdapterExecutor{adapters: adapters}
}

// Execute calls the backend's adapter with its configured model.
func (e *AdapterExecutor) Execute(ctx context.Context, desc health.Descriptor, prompt string) (*adapter.Response, error) {
	a, ok := e.adapters[desc.Adapter]
	if !ok {
		return nil, &adapter.AdapterError{
			Status:    http.StatusServiceUnavailable,
			Temporary: true,
			Err:       fmt.Errorf("adapter %q not configured", desc.Adapter),
		}
	}
	return a.Generate(ctx, desc.Model, prompt)
}

// Verifier checks an output before it is credited to the backend.
type Verifier interface {
	Verify(ctx context.Context, req task.Request, out *artifact.Artifact) learning.Verification
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, req task.Request, out *artifact.Artifact) learning.Verification

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, req task.Request, out *artifact.Artifact) learning.Verification {
	return f(ctx, req, out)
}

// NonEmptyVerifier passes any output with visible content.
var NonEmptyVerifier = VerifierFunc(func(_ context.Context, _ task.Request, out *artifact.Artifact) learning.Verification {
	if out.Empty() {
		return learning.VerificationFailed
	}
	return learning.VerificationPassed
})

// Attempt is the log entry for one chain entry.
type Attempt struct {
	Backend      string                `json:"backend"`
	Signal       task.Signal           `json:"signal"`
	Category     adapter.Category      `json:"category,omitempty"`
	Err          error                 `json:"-"`
	Error        string                `json:"error,omitempty"`
	Skipped      bool                  `json:"skipped,omitempty"`
	Latency      time.Duration         `json:"latency"`
	Timeout      time.Duration         `json:"timeout"`
	SuccessScore float64               `json:"success_score"`
	Verification learning.Verification `json:"verification,omitempty"`
	Repairs      int                   `json:"repairs,omitempty"`
	Gate         *gate.Result          `json:"gate,omitempty"`
	Report       adapter.CallReport    `json:"report"`
}

// Succeeded reports whether the attempt produced the run's output.
func (a Attempt) Succeeded() bool {
	return a.Err == nil && !a.Skipped
}

// Result is a successful run.
type Result struct {
	RunID    string                  `json:"run_id"`
	Backend  string                  `json:"backend"`
	Artifact *artifact.Artifact      `json:"artifact"`
	Attempts []Attempt               `json:"attempts"`
	Decision *router.Decision        `json:"decision"`
	Cost     *evidence.RunCostReport `json:"cost,omitempty"`
	Duration time.Duration           `json:"duration"`
}

// ChainExhaustedError is returned when every chain entry failed.
type ChainExhaustedError struct {
	RunID    string
	Attempts []Attempt
}

func (e *ChainExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reason := string(a.Category)
		if a.Skipped {
			reason = "skipped"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", a.Backend, reason))
	}
	return fmt.Sprintf("%s after %d attempts: %s", ErrChainExhausted, len(e.Attempts), strings.Join(parts, ", "))
}

// Is matches ErrChainExhausted.
func (e *ChainExhaustedError) Is(target error) bool {
	return target == ErrChainExhausted
}

// Unwrap returns the per-attempt errors.
func (e *ChainExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Categories returns the failure category of each attempt in order.
func (e *ChainExhaustedError) Categories() []adapter.Category {
	out := make([]adapter.Category, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Category
	}
	return out
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = logger.With().Str("component", "orchestrator").Logger()
	}
}

// WithVerifier replaces NonEmptyVerifier.
func WithVerifier(v Verifier) Option {
	return func(o *Orchestrator) {
		o.verifier = v
	}
}

// WithGates checks every output with gates instead of the verifier. A
// failing output is sent back to the same backend with repair instructions
// up to maxRepairs times.
func WithGates(gates []gate.Gate, maxRepairs int) Option {
	return func(o *Orchestrator) {
		o.gates = gates
		o.maxRepairs = maxRepairs
	}
}

// WithTimeouts sets the per-kind defaults used when a backend has no
// timeout of its own.
func WithTimeouts(local, remote time.Duration) Option {
	return func(o *Orchestrator) {
		if local > 0 {
			o.localTimeout = local
		}
		if remote > 0 {
			o.remoteTimeout = remote
		}
	}
}

// WithPricing sets the pricing table used for cost estimates.
func WithPricing(pricing config.PricingConfig) Option {
	return func(o *Orchestrator) {
		o.pricing = pricing
	}
}

// WithBudget caps the estimated spend of one run in USD. Zero disables it.
func WithBudget(maxUSD float64) Option {
	return func(o *Orchestrator) {
		o.maxBudgetUSD = maxUSD
	}
}

// WithEvidenceDir writes a trace of every run under dir.
func WithEvidenceDir(dir string) Option {
	return func(o *Orchestrator) {
		o.evidenceDir = dir
	}
}

// Orchestrator runs requests through the router and the fallback chain.
// It is safe for concurrent use.
type Orchestrator struct {
	router   *router.Router
	monitor  *health.Monitor
	learner  *learning.Engine
	executor Executor
	verifier Verifier
	log      zerolog.Logger

	gates      []gate.Gate
	maxRepairs int

	localTimeout  time.Duration
	remoteTimeout time.Duration
	pricing       config.PricingConfig
	maxBudgetUSD  float64
	evidenceDir   string
}

// New creates an orchestrator. learner may be nil.
func New(r *router.Router, monitor *health.Monitor, learner *learning.Engine, executor Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:        r,
		monitor:       monitor,
		learner:       learner,
		executor:      executor,
		verifier:      NonEmptyVerifier,
		log:           zerolog.Nop(),
		localTimeout:  120 * time.Second,
		remoteTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run routes req and executes the resulting decision.
func (o *Orchestrator) Run(ctx context.Context, req task.Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	d, err := o.router.Route(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("route request: %w", err)
	}
	return o.RunDecision(ctx, req, d)
}

// RunDecision walks d's fallback chain until one backend succeeds. Failed
// attempts are recorded as failure outcomes. A cancelled ctx aborts the
// in-flight attempt and skips the rest without recording anything.
func (o *Orchestrator) RunDecision(ctx context.Context, req task.Request, d *router.Decision) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()
	costs := newCostTracker(o.pricing, o.maxBudgetUSD)
	var attempts []Attempt

	for i, id := range d.FallbackChain {
		if err := ctx.Err(); err != nil {
			return nil, o.cancelled(req.ID, attempts, err)
		}
		desc, ok := o.monitor.Descriptor(id)
		if !ok {
			o.log.Warn().Str("backend", id).Msg("skipping unregistered backend in chain")
			continue
		}

		att, out := o.attempt(ctx, req, d, desc, i > 0, costs)
		if att.Err != nil && ctx.Err() != nil {
			return nil, o.cancelled(req.ID, attempts, ctx.Err())
		}
		attempts = append(attempts, att)

		if att.Succeeded() {
			d.Feedback = &router.RoutingFeedback{
				Succeeded:      true,
				AttemptsNeeded: len(attempts),
			}
			if desc.ID != d.SelectedBackend {
				d.Feedback.WouldReroute = desc.ID
			}
			res := &Result{
				RunID:    req.ID,
				Backend:  desc.ID,
				Artifact: out,
				Attempts: attempts,
				Decision: d,
				Cost:     costs.report(),
				Duration: time.Since(start),
			}
			o.writeEvidence(req, res, nil)
			o.log.Info().
				Str("run", req.ID).
				Str("backend", desc.ID).
				Int("attempts", len(attempts)).
				Dur("duration", res.Duration).
				Msg("run succeeded")
			return res, nil
		}
	}

	d.Feedback = &router.RoutingFeedback{AttemptsNeeded: len(attempts)}
	exhausted := &ChainExhaustedError{RunID: req.ID, Attempts: attempts}
	o.writeEvidence(req, &Result{
		RunID:    req.ID,
		Attempts: attempts,
		Decision: d,
		Cost:     costs.report(),
		Duration: time.Since(start),
	}, exhausted)
	o.log.Error().Str("run", req.ID).Err(exhausted).Msg("fallback chain exhausted")
	return nil, exhausted
}

func (o *Orchestrator) cancelled(runID string, attempts []Attempt, err error) error {
	o.log.Info().Str("run", runID).Int("attempts", len(attempts)).Msg("run cancelled by caller")
	return fmt.Errorf("run %s cancelled: %w", runID, err)
}

// attempt executes one chain entry. The returned artifact is nil unless
// the attempt succeeded.
func (o *Orchestrator) attempt(ctx context.Context, req task.Request, d *router.Decision, desc health.Descriptor, fallback bool, costs *costTracker) (Attempt, *artifact.Artifact) {
	timeout := o.timeoutFor(desc)
	att := Attempt{
		Backend: desc.ID,
		Signal:  d.Signal(desc.ID),
		Timeout: timeout,
		Report: adapter.CallReport{
			Backend:      desc.ID,
			Adapter:      desc.Adapter,
			Model:        desc.Model,
			FallbackUsed: fallback,
		},
	}

	if err := costs.checkBudget(desc.Adapter, desc.Model, req.Prompt); err != nil {
		att.Skipped = true
		att.Err = err
		att.Error = err.Error()
		att.Report.Error = att.Error
		costs.record(att.Report)
		o.log.Warn().Str("backend", desc.ID).Err(err).Msg("attempt skipped")
		return att, nil
	}

	started := time.Now()
	resp, err := o.call(ctx, desc, req.Prompt, timeout)
	att.Latency = time.Since(started)

	if err != nil && ctx.Err() != nil {
		att.Err = err
		return att, nil
	}

	pattern := d.Pattern
	if pattern == "" {
		pattern = d.Context.Pattern()
	}
	outcome := learning.Outcome{
		Pattern:   pattern,
		BackendID: desc.ID,
		Source:    att.Signal,
		Latency:   att.Latency,
	}

	var out *artifact.Artifact
	if err != nil {
		att.Err = err
		att.Error = err.Error()
		att.Category = categorize(err)
		att.Report.Error = att.Error
		outcome.Failure = string(att.Category)
		if !errors.Is(err, breaker.ErrCircuitOpen) {
			o.monitor.Observe(desc.ID, att.Latency, err)
		}
		o.log.Warn().
			Str("backend", desc.ID).
			Str("category", string(att.Category)).
			Dur("latency", att.Latency).
			Err(err).
			Msg("attempt failed")
	} else {
		out = resp.Artifact.ForBackend(desc.ID)
		o.monitor.Observe(desc.ID, att.Latency, nil)
		usage := normalizeUsage(resp.Usage)
		if len(o.gates) > 0 {
			out = o.verifyWithGates(ctx, req, desc, timeout, out, &att, &usage)
		} else {
			att.Verification = o.verifier.Verify(ctx, req, out)
		}
		outcome.Execution = learning.Execution{Completed: true, OutputSize: out.Size()}
		outcome.Verification = att.Verification
		cost, _ := estimateCost(o.pricing, desc.Adapter, desc.Model, usage)
		att.Report.Usage = usage
		att.Report.Cost = cost
	}
	costs.record(att.Report)

	if o.learner != nil {
		res, lerr := o.learner.RecordOutcome(outcome)
		if lerr != nil {
			o.log.Warn().Str("backend", desc.ID).Err(lerr).Msg("failed to record outcome")
		} else {
			att.SuccessScore = res.SuccessScore
		}
	}
	return att, out
}

// call runs one guarded call against desc. The breaker never counts calls
// abandoned by the caller.
func (o *Orchestrator) call(ctx context.Context, desc health.Descriptor, prompt string, timeout time.Duration) (*adapter.Response, error) {
	var resp *adapter.Response
	err := o.monitor.Breaker(desc.ID).Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := o.executor.Execute(callCtx, desc, prompt)
		switch {
		case ctx.Err() != nil:
			return abandoned(ctx)
		case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return &adapter.TimeoutError{Backend: desc.ID, Timeout: timeout}
		case err != nil:
			return err
		case r == nil || r.Artifact.Empty():
			return fmt.Errorf("%s returned empty output", desc.ID)
		}
		resp = r
		return nil
	})
	return resp, err
}

// verifyWithGates checks out against the gates and asks the same backend
// to repair it while repairs remain. It returns the output to credit: the
// first one that passes, or the last one produced.
func (o *Orchestrator) verifyWithGates(ctx context.Context, req task.Request, desc health.Descriptor, timeout time.Duration, out *artifact.Artifact, att *Attempt, usage *adapter.Usage) *artifact.Artifact {
	result, err := gate.Check(ctx, o.gates, out)
	if err != nil {
		o.log.Warn().Str("backend", desc.ID).Err(err).Msg("gate check failed; output left unverified")
		return out
	}
	att.Gate = result
	if result.Passed {
		att.Verification = learning.VerificationPassed
		return out
	}

	seen := map[string]bool{out.Hash: true}
	repeated := false
	for att.Repairs < o.maxRepairs {
		prompt := repair.Prompt(req.Prompt, out, result)
		if repeated {
			prompt = repair.Escalate(req.Prompt, out, result)
		}
		att.Repairs++

		resp, err := o.call(ctx, desc, prompt, timeout)
		if err != nil {
			if !errors.Is(err, breaker.ErrCircuitOpen) && ctx.Err() == nil {
				o.monitor.Observe(desc.ID, 0, err)
			}
			o.log.Warn().Str("backend", desc.ID).Int("repair", att.Repairs).Err(err).Msg("repair call failed")
			break
		}
		*usage = addUsage(*usage, normalizeUsage(resp.Usage))

		candidate := resp.Artifact.ForBackend(desc.ID)
		result, err = gate.Check(ctx, o.gates, candidate)
		if err != nil {
			o.log.Warn().Str("backend", desc.ID).Err(err).Msg("gate check failed during repair")
			break
		}
		att.Gate = result
		if result.Passed {
			att.Verification = learning.VerificationAutoRepaired
			o.log.Info().Str("backend", desc.ID).Int("repairs", att.Repairs).Msg("output repaired")
			return candidate
		}
		repeated = seen[candidate.Hash]
		seen[candidate.Hash] = true
		out = candidate
	}

	att.Verification = learning.VerificationFailed
	o.log.Warn().
		Str("backend", desc.ID).
		Int("repairs", att.Repairs).
		Int("violations", len(result.Violations)).
		Msg("output failed gates")
	return out
}

// timeoutFor returns the backend's timeout, or its kind default, scaled by
// the learned timeout multiplier.
func (o *Orchestrator) timeoutFor(desc health.Descriptor) time.Duration {
	base := desc.Timeout
	if base <= 0 {
		base = o.remoteTimeout
		if desc.Kind == health.KindLocal {
			base = o.localTimeout
		}
	}
	if o.learner == nil {
		return base
	}
	return time.Duration(float64(base) * o.learner.TimeoutScale(desc.ID))
}

// categorize maps an attempt error to its failure category. An open
// circuit means the backend is unavailable.
func categorize(err error) adapter.Category {
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return adapter.CategoryServiceUnavailable
	}
	return adapter.Classify(err)
}

// abandoned reports a call cut short by the caller. It always matches
// context.Canceled so the breaker does not count it against the backend.
func abandoned(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", context.Canceled, ctx.Err())
}

func (o *Orchestrator) writeEvidence(req task.Request, res *Result, runErr error) {
	if o.evidenceDir == "" {
		return
	}
	if err := o.recordEvidence(req, res, runErr); err != nil {
		o.log.Warn().Str("run", req.ID).Err(err).Msg("failed to write evidence")
	}
}

func (o *Orchestrator) recordEvidence(req task.Request, res *Result, runErr error) error {
	w, err := evidence.NewWriter(o.evidenceDir, req.ID)
	if err != nil {
		return fmt.Errorf("create evidence writer: %w", err)
	}

	decision, err := json.Marshal(res.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	promptRef, promptHash, err := w.WriteBlob("prompt", []byte(req.Prompt))
	if err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}

	run := evidence.RunRecord{
		ID:             req.ID,
		Timestamp:      time.Now().UTC(),
		Fingerprint:    res.Decision.Fingerprint,
		PromptHash:     promptHash,
		PromptRef:      promptRef,
		Pattern:        string(res.Decision.Pattern),
		Decision:       decision,
		Backend:        res.Backend,
		Succeeded:      runErr == nil,
		Cost:           res.Cost,
		DurationMillis: res.Duration.Milliseconds(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if res.Artifact != nil {
		run.OutputRef, run.OutputHash, err = w.WriteBlob("output", []byte(res.Artifact.Content))
		if err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	for i, a := range res.Attempts {
		rec := evidence.AttemptRecord{
			Attempt:        i + 1,
			Backend:        a.Backend,
			Signal:         string(a.Signal),
			Category:       string(a.Category),
			Error:          a.Error,
			Succeeded:      a.Succeeded(),
			SuccessScore:   a.SuccessScore,
			TimeoutMillis:  a.Timeout.Milliseconds(),
			DurationMillis: a.Latency.Milliseconds(),
		}
		run.Attempts = append(run.Attempts, rec)
		if err := w.WriteAttempt(rec); err != nil {
			return fmt.Errorf("write attempt %d: %w", rec.Attempt, err)
		}
	}
	return w.WriteRun(run)
}
