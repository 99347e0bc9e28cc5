package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chroniclehq/chronicle/pkg/ledger"
)

// ServiceConfig tunes the background reconciler.
type ServiceConfig struct {
	// Interval between sweeps. Zero selects one minute.
	Interval time.Duration
	// StaleThreshold is the minimum age of a recoverable run. Zero selects
	// DefaultStaleThreshold.
	StaleThreshold time.Duration
	// Action applied to stale runs. Empty selects fail.
	Action ledger.RecoverAction
}

// Service sweeps stale runs on a timer. Sweeps are idempotent, so multiple
// replicas may run the service concurrently.
type Service struct {
	store ledger.Store
	cfg   ServiceConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool

	stats struct {
		lastSweep time.Time
		recovered int
	}
}

// NewService creates a reconciler over the ledger.
func NewService(store ledger.Store, cfg ServiceConfig) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Action == "" {
		cfg.Action = ledger.RecoverActionFail
	}
	return &Service{store: store, cfg: cfg}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	slog.Info("Reconciler started",
		"interval", s.cfg.Interval,
		"stale_threshold", s.cfg.StaleThreshold,
		"action", s.cfg.Action)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

// SweepNow runs one sweep immediately, outside the timer.
func (s *Service) SweepNow(ctx context.Context) (*Result, error) {
	result, err := RecoverAllStaleRuns(ctx, s.store, s.cfg.Action, Query{
		OlderThan: s.cfg.StaleThreshold,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.stats.lastSweep = time.Now()
	s.stats.recovered += len(result.Recovered)
	s.mu.Unlock()
	return result, nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.SweepNow(ctx); err != nil {
				slog.Error("Stale run sweep failed", "error", err)
			}
		}
	}
}
