package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTick is how often the scheduler re-evaluates due times. It
	// stays well under MinSyncInterval so a due pass never waits long.
	DefaultTick = 10 * time.Second

	// DefaultBackoff is the extra pause after a failed tick.
	DefaultBackoff = 30 * time.Second

	stopWait = 5 * time.Second
)

// Scheduler drives periodic reconciliation. One background goroutine
// evaluates due times on a short tick and runs passes inline; forced passes
// run on the caller's goroutine. A per-config single-flight guard keeps the
// two from interleaving writes to the same mirror rows.
type Scheduler struct {
	engine  *SyncEngine
	configs ConfigStore
	logger  *zap.Logger

	tick    time.Duration
	backoff time.Duration

	mu          sync.Mutex
	started     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	inFlight    map[string]bool
	lastAttempt map[string]time.Time

	now func() time.Time
}

// NewScheduler creates a scheduler. Non-positive durations fall back to the
// defaults.
func NewScheduler(engine *SyncEngine, configs ConfigStore, tick, backoff time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Scheduler{
		engine:      engine,
		configs:     configs,
		logger:      logger.With(zap.String("component", "directory-scheduler")),
		tick:        tick,
		backoff:     backoff,
		inFlight:    make(map[string]bool),
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Start spawns the scheduling loop. Calling it again while running is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.loop(ctx, stopCh, doneCh)
}

// Stop signals the loop and waits a bounded time for it to exit. A pass
// already in flight is not aborted; stopping only prevents the next tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-doneCh:
		s.logger.Info("Directory sync scheduler stopped")
	case <-time.After(stopWait):
		s.logger.Warn("Scheduler did not stop in time, a sync pass is likely still running")
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	s.logger.Info("Directory sync scheduler started",
		zap.Duration("tick", s.tick),
		zap.Duration("min_interval", MinSyncInterval))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := s.tickOnce(ctx); err != nil {
				// Degrade frequency instead of crashing: wait out
				// an extra backoff before the next evaluation.
				s.logger.Warn("Sync tick failed, backing off",
					zap.Duration("backoff", s.backoff),
					zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				case <-time.After(s.backoff):
				}
			}
		}
	}
}

// tickOnce evaluates the active configuration and runs a pass when due.
// Clean no-op conditions return nil; only real failures propagate and
// trigger the loop's backoff.
func (s *Scheduler) tickOnce(ctx context.Context) error {
	cfg, err := s.configs.GetActive(ctx)
	if errors.Is(err, ErrNotConfigured) {
		return nil
	}
	if err != nil {
		return err
	}
	if !cfg.SyncEnabled {
		return nil
	}
	if !s.due(cfg) {
		return nil
	}

	_, err = s.runGuarded(ctx, cfg.ID, false)
	if errors.Is(err, ErrSyncDisabled) || errors.Is(err, ErrNotConfigured) {
		// The config changed between the due check and the run.
		return nil
	}
	return err
}

// due reports whether the interval has elapsed since the last attempt. The
// stored interval is clamped to the floor even if a smaller value slipped
// into the store out-of-band. A config never attempted is due immediately.
func (s *Scheduler) due(cfg *Config) bool {
	interval := time.Duration(cfg.SyncInterval) * time.Second
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}

	s.mu.Lock()
	last, ok := s.lastAttempt[cfg.ID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	return s.now().Sub(last) >= interval
}

// runGuarded executes one pass under the per-config single-flight guard. A
// scheduled attempt that finds a pass in flight is dropped, not queued; a
// forced attempt reports ErrSyncInFlight so the caller can say so.
func (s *Scheduler) runGuarded(ctx context.Context, configID string, forced bool) (*SyncStats, error) {
	s.mu.Lock()
	if s.inFlight[configID] {
		s.mu.Unlock()
		scheduledSyncSkips.WithLabelValues("in_flight").Inc()
		if forced {
			return nil, ErrSyncInFlight
		}
		return nil, nil
	}
	s.inFlight[configID] = true
	if !forced {
		// Stamp before running so a slow pass does not re-trigger on
		// the very next tick.
		s.lastAttempt[configID] = s.now()
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, configID)
		s.mu.Unlock()
	}()

	stats, err := s.engine.Run(ctx)
	if forced && err == nil {
		s.mu.Lock()
		s.lastAttempt[configID] = s.now()
		s.mu.Unlock()
	}
	return stats, err
}

// ForceSync runs a pass immediately, bypassing the due-time check. It runs
// on the caller's goroutine and returns the pass stats. A pass already in
// flight yields ErrSyncInFlight rather than queueing a second one.
func (s *Scheduler) ForceSync(ctx context.Context) (*SyncStats, error) {
	cfg, err := s.configs.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	return s.runGuarded(ctx, cfg.ID, true)
}
