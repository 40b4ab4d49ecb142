package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultCleanupInterval   = 15 * time.Minute
	DefaultPingTimeout       = 5 * time.Second
)

var ErrSchedulerRunning = errors.New("cleanup scheduler already running")

// Reconciler is the part of the presence tracker driven by the scheduler.
type Reconciler interface {
	UpdateInstanceHeartbeat(ctx context.Context) error
	CleanupDeadConnections(ctx context.Context) (int, error)
	ValidateConnections(ctx context.Context, pingFn PingFunc, timeout time.Duration) (int, error)
}

type SchedulerConfig struct {
	HeartbeatInterval  time.Duration
	CleanupInterval    time.Duration
	PingTimeout        time.Duration
	SkipInitialCleanup bool
}

// CleanupScheduler runs the heartbeat loop and the reconciliation loop until
// stopped. A failing cycle is logged and never ends a loop.
type CleanupScheduler struct {
	presence Reconciler
	ping     PingFunc
	cfg      SchedulerConfig
	logger   *slog.Logger

	mu  sync.Mutex
	run *schedulerRun
}

// schedulerRun is one Start..exit lifetime of the loops.
type schedulerRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCleanupScheduler(presence Reconciler, ping PingFunc, cfg SchedulerConfig, logger *slog.Logger) *CleanupScheduler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CleanupScheduler{
		presence: presence,
		ping:     ping,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches both loops. They stop when ctx is cancelled or Stop is
// called; either way the scheduler can be started again afterwards.
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return ErrSchedulerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	run := &schedulerRun{cancel: cancel, done: make(chan struct{})}
	s.run = run

	var wg sync.WaitGroup
	wg.Add(2)
	go s.heartbeatLoop(ctx, &wg)
	go s.reconcileLoop(ctx, &wg)

	go func() {
		wg.Wait()
		cancel()
		s.mu.Lock()
		if s.run == run {
			s.run = nil
		}
		s.mu.Unlock()
		close(run.done)
	}()

	s.logger.Info("Cleanup scheduler started",
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"cleanup_interval", s.cfg.CleanupInterval,
		"ping_timeout", s.cfg.PingTimeout,
		"skip_initial_cleanup", s.cfg.SkipInitialCleanup)
	return nil
}

// Stop cancels both loops and waits for them to return.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.mu.Unlock()
	if run == nil {
		return
	}

	run.cancel()
	<-run.done
	s.logger.Info("Cleanup scheduler stopped")
}

func (s *CleanupScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *CleanupScheduler) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	// a freshly started instance must not look dead to its peers
	s.beat(ctx)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *CleanupScheduler) reconcileLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	if !s.cfg.SkipInitialCleanup {
		s.RunCleanupCycle(ctx)
	}

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCleanupCycle(ctx)
		}
	}
}

func (s *CleanupScheduler) beat(ctx context.Context) {
	s.guard("heartbeat", func() {
		if err := s.presence.UpdateInstanceHeartbeat(ctx); err != nil {
			s.logger.Error("Failed to update instance heartbeat", "error", err)
		}
	})
}

// RunCleanupCycle runs one reconciliation: dead instance cleanup, then
// connection validation. Each phase fails independently.
func (s *CleanupScheduler) RunCleanupCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.guard("dead instance cleanup", func() {
		removed, err := s.presence.CleanupDeadConnections(ctx)
		if err != nil {
			s.logger.Error("Dead instance cleanup failed", "removed", removed, "error", err)
			return
		}
		s.logger.Debug("Dead instance cleanup finished", "removed", removed)
	})

	if ctx.Err() != nil {
		return
	}

	s.guard("connection validation", func() {
		removed, err := s.presence.ValidateConnections(ctx, s.ping, s.cfg.PingTimeout)
		if err != nil {
			s.logger.Error("Connection validation failed", "removed", removed, "error", err)
			return
		}
		s.logger.Debug("Connection validation finished", "removed", removed)
	})
}

func (s *CleanupScheduler) guard(phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Cleanup phase panic recovered", "phase", phase, "panic", r)
		}
	}()
	fn()
}
