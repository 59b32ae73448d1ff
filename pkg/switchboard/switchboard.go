// Package switchboard wires the health monitor, learning engine, router and
// orchestrator into one service built from routing configuration.
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/breaker"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/gate"
	"github.com/zen-systems/switchboard/pkg/health"
	"github.com/zen-systems/switchboard/pkg/learning"
	"github.com/zen-systems/switchboard/pkg/orchestrator"
	"github.com/zen-systems/switchboard/pkg/router"
	"github.com/zen-systems/switchboard/pkg/snapshot"
	"github.com/zen-systems/switchboard/pkg/task"
)

// Option configures a Switchboard.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	store      snapshot.Store
	classifier task.Classifier
	executor   orchestrator.Executor
	verifier   orchestrator.Verifier
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStore persists learning state to store instead of the configured
// snapshot driver. The caller keeps ownership of store.
func WithStore(store snapshot.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithClassifier replaces the trigger-based classifier.
func WithClassifier(c task.Classifier) Option {
	return func(o *options) {
		o.classifier = c
	}
}

// WithExecutor replaces the adapter executor.
func WithExecutor(e orchestrator.Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithVerifier sets the output verifier used to score runs.
func WithVerifier(v orchestrator.Verifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

// Switchboard routes and runs requests across the configured backends.
type Switchboard struct {
	cfg *config.RoutingConfig
	log zerolog.Logger

	monitor *health.Monitor
	learner *learning.Engine
	router  *router.Router
	orch    *orchestrator.Orchestrator

	store     snapshot.Store
	ownsStore bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	closed  bool
}

// Open builds a Switchboard from application config: adapters come from
// the configured credentials and learning state is kept under the config
// directory unless the routing config names a snapshot path.
func Open(cfg *config.Config, opts ...Option) (*Switchboard, error) {
	adapters, err := adapter.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}
	routing := cfg.RoutingConfig
	if routing.Snapshot.Path == "" && cfg.ConfigDir != "" {
		name := "learning"
		if routing.Snapshot.Driver == snapshot.DriverSQLite {
			name = "learning.db"
		}
		routing.Snapshot.Path = filepath.Join(cfg.ConfigDir, name)
	}
	return New(routing, adapters, opts...)
}

// New wires every component for cfg. Backends whose adapter is missing
// from adapters are skipped, except the terminal backend.
func New(cfg *config.RoutingConfig, adapters map[string]adapter.Adapter, opts ...Option) (*Switchboard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	monitor := health.NewMonitor(health.Config{
		TTL:                cfg.Health.TTL(),
		DegradedLatency:    cfg.Health.DegradedLatency(),
		LocalProbeTimeout:  cfg.Health.LocalProbeTimeout(),
		RemoteProbeTimeout: cfg.Health.RemoteProbeTimeout(),
		Breaker: breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			Timeout:          cfg.CircuitTimeout(),
			HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
			Window:           cfg.FailureWindow(),
		},
	}, health.WithLogger(log))

	if err := registerBackends(monitor, cfg.Backends, adapters, log); err != nil {
		return nil, err
	}

	store, owns := o.store, false
	if store == nil {
		var err error
		store, err = openStore(cfg.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		owns = true
	}

	learner := learning.New(learning.Config{
		EMAAlpha:         cfg.EMAAlpha,
		MinSamples:       cfg.MinSamples,
		ConfidenceDecay:  cfg.ConfidenceDecay,
		SnapshotInterval: cfg.SnapshotInterval(),
	},
		learning.WithLogger(log),
		learning.WithStore(store),
		learning.WithBackendValidator(monitor.Has),
	)

	classifier := o.classifier
	if classifier == nil {
		classifier = router.NewHeuristicClassifier(cfg)
	}
	rt := router.New(monitor, learner, classifier,
		router.WithLogger(log),
		router.WithSizeOverrideThreshold(cfg.SizeOverrideThresholdBytes),
		router.WithCache(cfg.CacheTTL(), cfg.CacheSize),
	)

	executor := o.executor
	if executor == nil {
		executor = orchestrator.NewAdapterExecutor(adapters)
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(log),
		orchestrator.WithTimeouts(cfg.LocalTimeout(), cfg.RemoteTimeout()),
		orchestrator.WithPricing(cfg.Pricing),
		orchestrator.WithBudget(cfg.MaxRunCostUSD),
	}
	if o.verifier != nil {
		orchOpts = append(orchOpts, orchestrator.WithVerifier(o.verifier))
	}
	if len(cfg.Verify.Gates) > 0 {
		gates, err := gate.FromConfig(cfg.Verify.Gates)
		if err != nil {
			if owns {
				_ = store.Close()
			}
			return nil, fmt.Errorf("failed to build gates: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithGates(gates, cfg.Verify.MaxRepairs))
	}
	if cfg.Evidence.Enabled && cfg.Evidence.Dir != "" {
		orchOpts = append(orchOpts, orchestrator.WithEvidenceDir(cfg.Evidence.Dir))
	}

	return &Switchboard{
		cfg:       cfg,
		log:       log.With().Str("component", "switchboard").Logger(),
		monitor:   monitor,
		learner:   learner,
		router:    rt,
		orch:      orchestrator.New(rt, monitor, learner, executor, orchOpts...),
		store:     store,
		ownsStore: owns,
	}, nil
}

func registerBackends(m *health.Monitor, backends []config.BackendConfig, adapters map[string]adapter.Adapter, log zerolog.Logger) error {
	registered := 0
	for _, b := range backends {
		a, ok := adapters[b.Adapter]
		if !ok && !b.Terminal {
			log.Warn().Str("backend", b.ID).Str("adapter", b.Adapter).Msg("adapter not configured; backend disabled")
			continue
		}
		var prober health.Prober
		if p, ok := a.(adapter.Pinger); ok {
			prober = p
		}
		desc := health.Descriptor{
			ID:              b.ID,
			Kind:            health.Kind(b.Kind),
			Adapter:         b.Adapter,
			Model:           b.Model,
			Specializations: b.Specializations,
			Priority:        b.Priority,
			Timeout:         b.Timeout(),
			Unlimited:       b.Unlimited,
			Terminal:        b.Terminal,
		}
		if err := m.Register(desc, prober); err != nil {
			return fmt.Errorf("failed to register backend: %w", err)
		}
		registered++
	}
	if registered == 0 {
		return router.ErrNoBackends
	}
	return nil
}

// openStore keeps learning in memory when no path is configured.
func openStore(cfg config.SnapshotConfig) (snapshot.Store, error) {
	if cfg.Path == "" && cfg.Driver != snapshot.DriverMemory {
		return snapshot.NewMemoryStore(), nil
	}
	return snapshot.Open(cfg.Driver, cfg.Path)
}

// Start restores learned state and launches the periodic health sweep
// and snapshot loops. They stop when ctx is done or Close is called.
func (s *Switchboard) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("switchboard is closed")
	}
	if s.started {
		return nil
	}
	if err := s.learner.Load(ctx); err != nil {
		return fmt.Errorf("failed to load learning state: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.learner.Run(ctx)
		return nil
	})
	s.cancel = cancel
	s.group = g
	s.started = true
	s.log.Info().Int("backends", len(s.monitor.Descriptors())).Msg("switchboard started")
	return nil
}

// Close stops the background loops and releases the snapshot store. State
// is flushed only if Start ran, since an unstarted Switchboard never loaded
// what is on disk.
func (s *Switchboard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.started {
		s.cancel()
		_ = s.group.Wait()
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("failed to close snapshot store: %w", err)
		}
	}
	return nil
}

// Route classifies req and returns the routing decision without running it.
func (s *Switchboard) Route(ctx context.Context, req task.Request) (*router.Decision, error) {
	return s.router.Route(ctx, req)
}

// Run routes req and executes it along the fallback chain.
func (s *Switchboard) Run(ctx context.Context, req task.Request) (*orchestrator.Result, error) {
	return s.orch.Run(ctx, req)
}

// Health probes every backend. Cached results younger than the health TTL
// are reused unless force is set.
func (s *Switchboard) Health(ctx context.Context, force bool) health.SystemHealth {
	return s.monitor.CheckAll(ctx, force)
}

// Breakers returns circuit breaker statistics for every backend.
func (s *Switchboard) Breakers() []breaker.Stats {
	return s.monitor.BreakerStats()
}

// LearningSummary reports learned confidence, patterns and insights.
func (s *Switchboard) LearningSummary() learning.Summary {
	return s.learner.Summary()
}

// Backends returns the registered backends in priority order.
func (s *Switchboard) Backends() []health.Descriptor {
	return s.monitor.Descriptors()
}

// Routes lists the task types, their triggers and specialist backends.
func (s *Switchboard) Routes() []router.RouteInfo {
	return router.Routes(s.cfg)
}
