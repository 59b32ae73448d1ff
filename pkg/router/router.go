// Package router turns a request into a routing decision: a selected
// backend, the signal that chose it and an ordered fallback chain.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zen-systems/switchboard/pkg/health"
	"github.com/zen-systems/switchboard/pkg/learning"
	"github.com/zen-systems/switchboard/pkg/task"
)

var (
	// ErrNoBackends is returned when nothing is registered to route to.
	ErrNoBackends = errors.New("no backends registered")
	// ErrNoViableBackend is returned when every backend is unusable and no
	// terminal backend exists.
	ErrNoViableBackend = errors.New("no viable backend")
)

// Decision confidences for rule-based signals.
const (
	confidenceSizeOverride   = 1.0
	confidencePreference     = 1.0
	confidenceSpecialization = 0.8
	confidenceHealthFallback = 0.6
	confidenceDefault        = 0.5
)

// Router resolves requests against live health and learned statistics.
type Router struct {
	monitor    *health.Monitor
	learner    *learning.Engine
	classifier task.Classifier
	log        zerolog.Logger

	sizeThreshold int
	cacheTTL      time.Duration
	cacheSize     int

	cache   *expirable.LRU[string, task.Context]
	flights singleflight.Group
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.log = logger.With().Str("component", "router").Logger()
	}
}

// WithSizeOverrideThreshold sets the prompt size in bytes above which the
// unlimited backend is always chosen.
func WithSizeOverrideThreshold(bytes int) Option {
	return func(r *Router) {
		r.sizeThreshold = bytes
	}
}

// WithCache sets the classification cache TTL and size. A zero TTL or size
// disables the cache and its expiry goroutine.
func WithCache(ttl time.Duration, size int) Option {
	return func(r *Router) {
		r.cacheTTL = ttl
		r.cacheSize = size
	}
}

// New creates a router. learner may be nil, in which case no learned
// signal is used.
//
// With the cache enabled New starts an expiry goroutine that lives for the
// rest of the process; the cache offers no way to stop it. Build one router
// per process and share it, or pass WithCache(0, 0) for short-lived routers.
func New(monitor *health.Monitor, learner *learning.Engine, classifier task.Classifier, opts ...Option) *Router {
	r := &Router{
		monitor:       monitor,
		learner:       learner,
		classifier:    classifier,
		log:           zerolog.Nop(),
		sizeThreshold: 50000,
		cacheTTL:      5 * time.Minute,
		cacheSize:     1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheTTL > 0 && r.cacheSize > 0 {
		r.cache = expirable.NewLRU[string, task.Context](r.cacheSize, nil, r.cacheTTL)
	}
	return r
}

// Route classifies req and resolves it to a decision. Only classification
// is cached; resolution always runs against current health.
func (r *Router) Route(ctx context.Context, req task.Request) (*Decision, error) {
	fp := Fingerprint(req)
	tc, cached, err := r.classify(ctx, req, fp)
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}

	d, err := r.Resolve(tc, req.PreferredBackend)
	if err != nil {
		return nil, err
	}
	d.Fingerprint = fp
	d.Cached = cached

	r.log.Debug().
		Str("request", req.ID).
		Str("backend", d.SelectedBackend).
		Str("signal", string(d.WinningSignal)).
		Strs("chain", d.FallbackChain).
		Bool("cached", cached).
		Msg("routed")
	return d, nil
}

func (r *Router) classify(ctx context.Context, req task.Request, fp string) (task.Context, bool, error) {
	if r.cache == nil {
		tc, err := r.classifier.Classify(ctx, req)
		return tc, false, err
	}

	key := cacheKey(fp, req.Prompt)
	if tc, ok := r.cache.Get(key); ok {
		if r.learner != nil {
			r.learner.RecordPerceptionHit(fp)
		}
		return withActuals(tc, req), true, nil
	}

	v, err, _ := r.flights.Do(key, func() (interface{}, error) {
		tc, err := r.classifier.Classify(ctx, req)
		if err != nil {
			return task.Context{}, err
		}
		r.cache.Add(key, tc)
		return tc, nil
	})
	if err != nil {
		return task.Context{}, false, err
	}
	return withActuals(v.(task.Context), req), false, nil
}

// cacheKey pairs the fingerprint with a digest of the normalized prompt so
// only repeats of the same request share a classification.
func cacheKey(fp, prompt string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(strings.ToLower(prompt)), " ")))
	return fp + "#" + hex.EncodeToString(sum[:8])
}

func withActuals(tc task.Context, req task.Request) task.Context {
	tc.PromptSize = len(req.Prompt)
	tc.FileCount = fileCount(req)
	return tc
}

// Resolve applies the routing precedence to a classified context:
// size override, explicit preference, health fallback, task
// specialization, learned recommendation, default.
func (r *Router) Resolve(tc task.Context, preferred string) (*Decision, error) {
	descs := r.monitor.Descriptors()
	if len(descs) == 0 {
		return nil, ErrNoBackends
	}

	d := &Decision{Context: tc, Pattern: tc.Pattern()}
	r.selectBackend(d, descs, preferred)
	d.FallbackChain = r.buildChain(d.SelectedBackend, d.Pattern)
	if len(d.FallbackChain) == 0 {
		return nil, ErrNoViableBackend
	}
	if d.SelectedBackend == "" {
		d.SelectedBackend = d.FallbackChain[0]
	}
	return d, nil
}

func (r *Router) selectBackend(d *Decision, descs []health.Descriptor, preferred string) {
	tc := d.Context

	if r.sizeThreshold > 0 && tc.PromptSize > r.sizeThreshold {
		if u, ok := r.monitor.Unlimited(); ok {
			id := u.ID
			if r.monitor.CircuitOpen(id) && !u.Terminal {
				if t, ok := r.monitor.Terminal(); ok {
					id = t.ID
				}
			}
			r.pick(d, id, task.SignalSizeOverride, confidenceSizeOverride,
				fmt.Sprintf("prompt is %d bytes, over the %d byte limit; using %s", tc.PromptSize, r.sizeThreshold, id))
			return
		}
	}

	if preferred != "" {
		switch {
		case !r.monitor.Has(preferred):
			r.log.Warn().Str("backend", preferred).Msg("preferred backend is not registered; ignoring")
		case r.monitor.CircuitOpen(preferred):
			d.DeferredPreference = preferred
			id := r.healthiest(descs, tc.TaskType, preferred)
			r.pick(d, id, task.SignalHealthFallback, confidenceHealthFallback,
				fmt.Sprintf("preferred backend %s has an open circuit; falling back to %s", preferred, id))
			return
		default:
			r.pick(d, preferred, task.SignalUserPreference, confidencePreference,
				fmt.Sprintf("caller requested %s", preferred))
			return
		}
	}

	if specialist, ok := firstSpecialist(descs, tc.TaskType); ok {
		if !r.monitor.IsUsable(specialist.ID) {
			id := r.healthiest(descs, tc.TaskType, specialist.ID)
			r.pick(d, id, task.SignalHealthFallback, confidenceHealthFallback,
				fmt.Sprintf("%s specialist %s is unhealthy; falling back to %s", tc.TaskType, specialist.ID, id))
			return
		}
		r.pick(d, specialist.ID, task.SignalTaskSpecialization, confidenceSpecialization,
			fmt.Sprintf("%s specializes in %s tasks", specialist.ID, tc.TaskType))
		return
	}

	if r.learner != nil {
		if rec := r.learner.Recommend(tc); rec != nil && r.monitor.IsUsable(rec.BackendID) {
			r.pick(d, rec.BackendID, task.SignalLearned, rec.Confidence, rec.Reason)
			return
		}
	}

	id := r.healthiest(descs, "", "")
	r.pick(d, id, task.SignalDefault, confidenceDefault,
		fmt.Sprintf("no stronger signal; using highest-priority available backend %s", id))
}

func (r *Router) pick(d *Decision, id string, signal task.Signal, confidence float64, reason string) {
	d.SelectedBackend = id
	d.WinningSignal = signal
	d.Confidence = confidence
	d.Reason = reason
}

func firstSpecialist(descs []health.Descriptor, taskType string) (health.Descriptor, bool) {
	for _, desc := range descs {
		if desc.Specializes(taskType) {
			return desc, true
		}
	}
	return health.Descriptor{}, false
}

// healthiest picks the best usable backend other than skip, in priority
// order: healthy specialists, healthy, degraded specialists, degraded, then
// the terminal backend.
func (r *Router) healthiest(descs []health.Descriptor, taskType, skip string) string {
	tiers := []func(health.Descriptor) bool{
		func(d health.Descriptor) bool { return r.monitor.IsHealthy(d.ID) && d.Specializes(taskType) },
		func(d health.Descriptor) bool { return r.monitor.IsHealthy(d.ID) },
		func(d health.Descriptor) bool { return r.monitor.IsUsable(d.ID) && d.Specializes(taskType) },
		func(d health.Descriptor) bool { return r.monitor.IsUsable(d.ID) },
	}
	for _, match := range tiers {
		for _, d := range descs {
			if d.ID != skip && match(d) {
				return d.ID
			}
		}
	}
	if t, ok := r.monitor.Terminal(); ok {
		return t.ID
	}
	return ""
}

// buildChain orders the fallback chain: the selected backend, then healthy
// backends (best learned ranking first), then degraded ones, ending on the
// terminal backend. Backends with an open circuit are left out unless
// terminal. Nothing follows the terminal backend, so selecting it yields a
// chain of one.
func (r *Router) buildChain(selected string, pattern task.Pattern) []string {
	terminal, hasTerminal := r.monitor.Terminal()
	if hasTerminal && selected == terminal.ID {
		return []string{terminal.ID}
	}
	rec := r.monitor.Recommend()

	healthy := rec.Healthy
	if r.learner != nil {
		healthy = rankByLearning(healthy, r.learner.Rankings(pattern))
	}

	seen := make(map[string]bool)
	var chain []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		if hasTerminal && id == terminal.ID {
			return
		}
		if r.monitor.CircuitOpen(id) {
			return
		}
		seen[id] = true
		chain = append(chain, id)
	}

	add(selected)
	for _, id := range healthy {
		add(id)
	}
	for _, id := range rec.Degraded {
		add(id)
	}
	if hasTerminal {
		chain = append(chain, terminal.ID)
	}
	return chain
}

// rankByLearning moves backends with learned rankings to the front of ids,
// in ranking order, keeping the rest in their original order.
func rankByLearning(ids []string, rankings []learning.Ranking) []string {
	if len(rankings) == 0 {
		return ids
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}

	out := make([]string, 0, len(ids))
	placed := make(map[string]bool, len(ids))
	for _, rk := range rankings {
		if present[rk.BackendID] {
			out = append(out, rk.BackendID)
			placed[rk.BackendID] = true
		}
	}
	for _, id := range ids {
		if !placed[id] {
			out = append(out, id)
		}
	}
	return out
}
