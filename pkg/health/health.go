// Package health keeps the backend registry and tracks backend health from
// active probes, passive observations and circuit breaker state.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zen-systems/switchboard/pkg/breaker"
)

// Kind distinguishes locally hosted backends from remote services.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// ErrUnknownBackend is returned for IDs that were never registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Descriptor is the immutable description of a backend.
type Descriptor struct {
	ID              string        `json:"id"`
	Kind            Kind          `json:"kind"`
	Adapter         string        `json:"adapter"`
	Model           string        `json:"model"`
	Specializations []string      `json:"specializations,omitempty"`
	Priority        int           `json:"priority"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	Unlimited       bool          `json:"unlimited,omitempty"`
	Terminal        bool          `json:"terminal,omitempty"`
}

// Specializes reports whether the backend lists taskType.
func (d Descriptor) Specializes(taskType string) bool {
	for _, s := range d.Specializations {
		if s == taskType {
			return true
		}
	}
	return false
}

// Prober checks that a backend is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Record is the current health view of one backend.
type Record struct {
	BackendID    string        `json:"backend_id"`
	Healthy      bool          `json:"healthy"`
	Latency      time.Duration `json:"latency"`
	CircuitState breaker.State `json:"circuit_state"`
	SuccessRate  float64       `json:"success_rate"`
	LastCheck    time.Time     `json:"last_check,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Checks       int           `json:"checks"`
}

// Status summarizes system health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// SystemHealth is the result of checking every backend.
type SystemHealth struct {
	Status    Status    `json:"status"`
	Backends  []Record  `json:"backends"`
	CheckedAt time.Time `json:"checked_at"`
}

// Recommendation partitions backends by usability.
type Recommendation struct {
	Healthy       []string `json:"healthy"`
	Degraded      []string `json:"degraded"`
	Unhealthy     []string `json:"unhealthy"`
	FallbackChain []string `json:"fallback_chain"`
}

// Config tunes the monitor.
type Config struct {
	TTL                time.Duration
	DegradedLatency    time.Duration
	LocalProbeTimeout  time.Duration
	RemoteProbeTimeout time.Duration
	// Window is the number of checks kept for SuccessRate.
	Window  int
	Breaker breaker.Config
	Now     func() time.Time
}

// DefaultConfig returns the stock monitor settings.
func DefaultConfig() Config {
	return Config{
		TTL:                5 * time.Minute,
		DegradedLatency:    5 * time.Second,
		LocalProbeTimeout:  10 * time.Second,
		RemoteProbeTimeout: 3 * time.Second,
		Window:             20,
		Breaker:            breaker.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.DegradedLatency <= 0 {
		c.DegradedLatency = def.DegradedLatency
	}
	if c.LocalProbeTimeout <= 0 {
		c.LocalProbeTimeout = def.LocalProbeTimeout
	}
	if c.RemoteProbeTimeout <= 0 {
		c.RemoteProbeTimeout = def.RemoteProbeTimeout
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Breaker.Now == nil {
		c.Breaker.Now = c.Now
	}
	return c
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.log = logger.With().Str("component", "health").Logger()
	}
}

type entry struct {
	desc   Descriptor
	prober Prober

	mu      sync.Mutex
	record  Record
	window  []bool
	checked bool
}

// Monitor is the backend registry and health tracker.
type Monitor struct {
	cfg      Config
	log      zerolog.Logger
	breakers *breaker.Set
	probes   singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMonitor creates an empty registry.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		log:     zerolog.Nop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}

	bcfg := m.cfg.Breaker
	hook := bcfg.OnStateChange
	bcfg.OnStateChange = func(name string, from, to breaker.State) {
		ev := m.log.Info()
		if to == breaker.Open {
			ev = m.log.Warn()
		}
		ev.Str("backend", name).Stringer("from", from).Stringer("to", to).Msg("circuit state changed")
		if hook != nil {
			hook(name, from, to)
		}
	}
	m.breakers = breaker.NewSet(bcfg)
	return m
}

// Register adds a backend. prober may be nil, in which case the backend is
// considered healthy while its circuit is not open.
func (m *Monitor) Register(desc Descriptor, prober Prober) error {
	if desc.ID == "" {
		return errors.New("backend id is required")
	}
	switch desc.Kind {
	case KindLocal, KindRemote:
	default:
		return fmt.Errorf("backend %q: invalid kind %q", desc.ID, desc.Kind)
	}
	if desc.Terminal && desc.Kind != KindLocal {
		return fmt.Errorf("backend %q: terminal backend must be local", desc.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[desc.ID]; exists {
		return fmt.Errorf("backend %q already registered", desc.ID)
	}
	desc.Specializations = append([]string(nil), desc.Specializations...)
	m.entries[desc.ID] = &entry{
		desc:   desc,
		prober: prober,
		record: Record{BackendID: desc.ID, Healthy: true, SuccessRate: 1},
	}
	m.breakers.Get(desc.ID)
	return nil
}

// Unregister removes a backend.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	m.breakers.Remove(id)
}

// Has reports whether id is registered.
func (m *Monitor) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Descriptor returns the descriptor for id.
func (m *Monitor) Descriptor(id string) (Descriptor, bool) {
	e := m.entry(id)
	if e == nil {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Descriptors returns every backend ordered by priority, then ID.
func (m *Monitor) Descriptors() []Descriptor {
	m.mu.RLock()
	descs := make([]Descriptor, 0, len(m.entries))
	for _, e := range m.entries {
		descs = append(descs, e.desc)
	}
	m.mu.RUnlock()

	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Priority != descs[j].Priority {
			return descs[i].Priority < descs[j].Priority
		}
		return descs[i].ID < descs[j].ID
	})
	return descs
}

// Breaker returns the circuit breaker guarding id.
func (m *Monitor) Breaker(id string) *breaker.Breaker {
	return m.breakers.Get(id)
}

// BreakerStats returns statistics for every breaker.
func (m *Monitor) BreakerStats() []breaker.Stats {
	return m.breakers.Stats()
}

// Terminal returns the always-available local backend: the one marked
// terminal, otherwise the highest-priority local backend.
func (m *Monitor) Terminal() (Descriptor, bool) {
	var fallback *Descriptor
	for _, d := range m.Descriptors() {
		if d.Kind != KindLocal {
			continue
		}
		if d.Terminal {
			return d, true
		}
		if fallback == nil {
			d := d
			fallback = &d
		}
	}
	if fallback == nil {
		return Descriptor{}, false
	}
	return *fallback, true
}

// Unlimited returns the backend used for oversized requests, defaulting to
// the terminal backend.
func (m *Monitor) Unlimited() (Descriptor, bool) {
	for _, d := range m.Descriptors() {
		if d.Unlimited {
			return d, true
		}
	}
	return m.Terminal()
}

// CircuitOpen reports whether id's breaker currently rejects calls.
func (m *Monitor) CircuitOpen(id string) bool {
	return m.breakers.Get(id).State() == breaker.Open
}

func (m *Monitor) entry(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// CheckOne returns the health of id, probing it when the cached result is
// older than the TTL or force is set. Concurrent probes of the same backend
// share one call.
func (m *Monitor) CheckOne(ctx context.Context, id string, force bool) (Record, error) {
	e := m.entry(id)
	if e == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}

	now := m.cfg.Now()
	e.mu.Lock()
	if !force && e.checked && now.Sub(e.record.LastCheck) < m.cfg.TTL {
		e.push(e.record.Healthy, m.cfg.Window)
		rec := m.view(e)
		e.mu.Unlock()
		return rec, nil
	}
	e.mu.Unlock()

	ch := m.probes.DoChan(id, func() (interface{}, error) {
		return m.probe(ctx, e), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Record), nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// probe runs the prober for e and stores the result.
func (m *Monitor) probe(ctx context.Context, e *entry) Record {
	timeout := m.cfg.RemoteProbeTimeout
	if e.desc.Kind == KindLocal {
		timeout = m.cfg.LocalProbeTimeout
	}

	var err error
	start := m.cfg.Now()
	if e.prober != nil {
		// The probe is shared by every waiter, so it must outlive the caller
		// that started it.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err = e.prober.Ping(pctx)
		if errors.Is(pctx.Err(), context.DeadlineExceeded) && err != nil {
			err = fmt.Errorf("probe timed out after %s: %w", timeout, err)
		}
		cancel()
	}
	latency := m.cfg.Now().Sub(start)
	open := m.CircuitOpen(e.desc.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.checked = true
	e.record.Checks++
	e.record.LastCheck = m.cfg.Now()
	if e.prober != nil {
		e.record.Latency = latency
	}
	if err != nil {
		e.record.Healthy = false
		e.record.LastError = err.Error()
		m.log.Warn().Str("backend", e.desc.ID).Err(err).Msg("health probe failed")
	} else {
		e.record.Healthy = !open
		e.record.LastError = ""
	}
	e.push(e.record.Healthy, m.cfg.Window)
	return m.view(e)
}

// CheckAll probes every backend in parallel. Each probe has its own
// timeout, so a hanging backend does not hold up the others.
func (m *Monitor) CheckAll(ctx context.Context, force bool) SystemHealth {
	descs := m.Descriptors()
	records := make([]Record, len(descs))

	var g errgroup.Group
	for i, d := range descs {
		g.Go(func() error {
			rec, err := m.CheckOne(ctx, d.ID, force)
			if err != nil {
				rec = Record{BackendID: d.ID, LastError: err.Error(), CircuitState: m.breakers.Get(d.ID).State()}
			}
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait()

	return SystemHealth{
		Status:    m.status(descs, records),
		Backends:  records,
		CheckedAt: m.cfg.Now(),
	}
}

func (m *Monitor) status(descs []Descriptor, records []Record) Status {
	usable, healthy := 0, 0
	for _, rec := range records {
		switch m.class(rec) {
		case classHealthy:
			healthy++
			usable++
		case classDegraded:
			usable++
		}
	}
	switch {
	case len(descs) > 0 && healthy == len(descs):
		return StatusHealthy
	case usable > 0:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Records returns the current records without probing.
func (m *Monitor) Records() []Record {
	descs := m.Descriptors()
	records := make([]Record, 0, len(descs))
	for _, d := range descs {
		if e := m.entry(d.ID); e != nil {
			e.mu.Lock()
			records = append(records, m.view(e))
			e.mu.Unlock()
		}
	}
	return records
}

// Record returns the current record for id without probing.
func (m *Monitor) Record(id string) (Record, bool) {
	e := m.entry(id)
	if e == nil {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.view(e), true
}

// Observe records the latency and result of a real call. A failed call
// only feeds the success window and LastError: the backend stays routable
// until its breaker opens or a health check fails. A successful call
// restores a backend marked down by an earlier check.
func (m *Monitor) Observe(id string, latency time.Duration, err error) {
	e := m.entry(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.record.LastError = err.Error()
	} else {
		e.record.Latency = latency
		e.record.Healthy = true
		e.record.LastError = ""
	}
	e.push(err == nil, m.cfg.Window)
}

type class int

const (
	classHealthy class = iota
	classDegraded
	classUnhealthy
)

func (m *Monitor) class(rec Record) class {
	switch {
	case rec.CircuitState == breaker.Open || !rec.Healthy:
		return classUnhealthy
	case rec.Latency > m.cfg.DegradedLatency:
		return classDegraded
	default:
		return classHealthy
	}
}

// Recommend partitions backends into healthy, degraded and unhealthy sets.
// Healthy and degraded backends are ordered by latency, then priority.
func (m *Monitor) Recommend() Recommendation {
	type candidate struct {
		desc Descriptor
		rec  Record
	}
	var healthy, degraded []candidate
	rec := Recommendation{}

	for _, d := range m.Descriptors() {
		r, ok := m.Record(d.ID)
		if !ok {
			continue
		}
		switch m.class(r) {
		case classHealthy:
			healthy = append(healthy, candidate{d, r})
		case classDegraded:
			degraded = append(degraded, candidate{d, r})
		default:
			rec.Unhealthy = append(rec.Unhealthy, d.ID)
		}
	}

	order := func(cs []candidate) []string {
		sort.SliceStable(cs, func(i, j int) bool {
			if cs[i].rec.Latency != cs[j].rec.Latency {
				return cs[i].rec.Latency < cs[j].rec.Latency
			}
			return cs[i].desc.Priority < cs[j].desc.Priority
		})
		ids := make([]string, len(cs))
		for i, c := range cs {
			ids[i] = c.desc.ID
		}
		return ids
	}
	rec.Healthy = order(healthy)
	rec.Degraded = order(degraded)
	rec.FallbackChain = append(append([]string{}, rec.Healthy...), rec.Degraded...)
	return rec
}

// IsHealthy reports whether id is usable without being degraded.
func (m *Monitor) IsHealthy(id string) bool {
	r, ok := m.Record(id)
	return ok && m.class(r) == classHealthy
}

// IsUsable reports whether id is healthy or degraded.
func (m *Monitor) IsUsable(id string) bool {
	r, ok := m.Record(id)
	return ok && m.class(r) != classUnhealthy
}

// Run re-checks every backend each TTL until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sys := m.CheckAll(ctx, true)
			m.log.Debug().Str("status", string(sys.Status)).Msg("health sweep complete")
		}
	}
}

// view copies the record with live circuit state. Caller holds e.mu.
func (m *Monitor) view(e *entry) Record {
	rec := e.record
	rec.CircuitState = m.breakers.Get(e.desc.ID).State()
	if rec.CircuitState == breaker.Open {
		rec.Healthy = false
	}
	if len(e.window) > 0 {
		ok := 0
		for _, v := range e.window {
			if v {
				ok++
			}
		}
		rec.SuccessRate = float64(ok) / float64(len(e.window))
	}
	return rec
}

func (e *entry) push(ok bool, size int) {
	e.window = append(e.window, ok)
	if len(e.window) > size {
		e.window = e.window[len(e.window)-size:]
	}
}
