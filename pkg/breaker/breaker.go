// Package breaker implements per-backend circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the circuit state of a breaker.
type State int

const (
	// Closed lets every call through and counts failures.
	Closed State = iota
	// Open rejects calls until the timeout elapses.
	Open
	// HalfOpen admits a limited number of trial calls.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen matches any *CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned by Execute when a call is rejected.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for %s", e.Name)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int
	// Timeout is how long the circuit stays open before allowing a trial.
	Timeout time.Duration
	// HalfOpenMaxCalls is the number of trial calls admitted, and successes
	// required, while half-open.
	HalfOpenMaxCalls int
	// Window bounds how long failures accumulate while closed.
	Window time.Duration

	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	// Now overrides the clock.
	Now func() time.Time
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
		Window:           60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker tracks the failure state of one backend.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	generation      uint64
	failures        int
	windowStart     time.Time
	openedAt        time.Time
	lastFailure     time.Time
	lastStateChange time.Time
	trialsInFlight  int
	trialSuccesses  int
	rejected        int
}

type transition struct {
	from, to State
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:            name,
		cfg:             cfg,
		state:           Closed,
		lastStateChange: cfg.Now(),
	}
}

// Name returns the backend the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the circuit admits it and records the outcome.
// A context.Canceled error from fn is returned but not counted.
func (b *Breaker) Execute(fn func() error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn()
	b.record(gen, callErr)
	return callErr
}

// State returns the current state, moving Open to HalfOpen when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	t := b.advance(b.cfg.Now())
	state := b.state
	b.mu.Unlock()
	b.notify(t)
	return state
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.transitionTo(Closed, b.cfg.Now())
	b.failures = 0
	b.mu.Unlock()
	b.notify(t)
}

func (b *Breaker) admit() (uint64, error) {
	now := b.cfg.Now()

	b.mu.Lock()
	t := b.advance(now)
	var err error
	switch b.state {
	case Open:
		b.rejected++
		err = &CircuitOpenError{Name: b.name, RetryAfter: b.cfg.Timeout - now.Sub(b.openedAt)}
	case HalfOpen:
		if b.trialsInFlight+b.trialSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.rejected++
			err = &CircuitOpenError{Name: b.name}
		} else {
			b.trialsInFlight++
		}
	}
	gen := b.generation
	b.mu.Unlock()

	b.notify(t)
	return gen, err
}

func (b *Breaker) record(gen uint64, callErr error) {
	now := b.cfg.Now()

	b.mu.Lock()
	if gen != b.generation {
		// The call was admitted under a previous state.
		b.mu.Unlock()
		return
	}

	var t *transition
	canceled := errors.Is(callErr, context.Canceled)
	switch b.state {
	case Closed:
		switch {
		case canceled:
		case callErr == nil:
			b.failures = 0
		default:
			if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
				b.failures = 0
				b.windowStart = now
			}
			b.failures++
			b.lastFailure = now
			if b.failures >= b.cfg.FailureThreshold {
				t = b.transitionTo(Open, now)
			}
		}
	case HalfOpen:
		b.trialsInFlight--
		switch {
		case canceled:
		case callErr == nil:
			b.trialSuccesses++
			if b.trialSuccesses >= b.cfg.HalfOpenMaxCalls {
				t = b.transitionTo(Closed, now)
			}
		default:
			b.lastFailure = now
			t = b.transitionTo(Open, now)
		}
	}
	b.mu.Unlock()

	b.notify(t)
}

// advance performs the lazy Open to HalfOpen transition. Caller holds mu.
func (b *Breaker) advance(now time.Time) *transition {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Timeout {
		return b.transitionTo(HalfOpen, now)
	}
	return nil
}

// transitionTo changes state and resets per-state counters. Caller holds mu.
func (b *Breaker) transitionTo(to State, now time.Time) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.generation++
	b.lastStateChange = now
	b.trialsInFlight = 0
	b.trialSuccesses = 0

	switch to {
	case Open:
		b.openedAt = now
	case Closed:
		b.failures = 0
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(t *transition) {
	if t == nil || b.cfg.OnStateChange == nil {
		return
	}
	b.cfg.OnStateChange(b.name, t.from, t.to)
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Rejected        int       `json:"rejected"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Stats returns breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	t := b.advance(b.cfg.Now())
	stats := Stats{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Rejected:        b.rejected,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
	b.mu.Unlock()
	b.notify(t)
	return stats
}

// Set holds one breaker per backend.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewSet creates a set whose breakers share cfg.
func NewSet(cfg Config) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for name, creating it if needed.
func (s *Set) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b = New(name, s.cfg)
	s.breakers[name] = b
	return b
}

// Remove drops the breaker for name.
func (s *Set) Remove(name string) {
	s.mu.Lock()
	delete(s.breakers, name)
	s.mu.Unlock()
}

// Stats returns statistics for every breaker, sorted by name.
func (s *Set) Stats() []Stats {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
