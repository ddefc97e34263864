// Package scheduler implements the run/job/task scheduling core:
// dependency-aware readiness, fixed-precedence status aggregation,
// concurrency-group admission, task dispatch with atomic leasing, and
// the periodic sweeps that reclaim lost leases and stale runners.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/me/forgeci/internal/events"
	"github.com/me/forgeci/internal/store"
)

// Config holds scheduler policy values.
type Config struct {
	// SweepInterval is the period of the background sweep ticker.
	SweepInterval time.Duration
	// LeaseTTL is how long a task lease lives without a report.
	LeaseTTL time.Duration
	// HeartbeatWindow is how long a runner stays eligible for new
	// leases after its last heartbeat.
	HeartbeatWindow time.Duration
	// MaxAttempts bounds runner-lost retries per job.
	MaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   2 * time.Second,
		LeaseTTL:        60 * time.Second,
		HeartbeatWindow: 90 * time.Second,
		MaxAttempts:     3,
	}
}

// Scheduler owns all run/job/task state transitions. Every mutation
// goes through a store compare-and-set; work on one run is serialized
// through a per-run lock so concurrent child updates cannot race the
// aggregator.
type Scheduler struct {
	store    store.Store
	notifier *events.Notifier
	config   Config
	logger   *slog.Logger

	locks  runLocks
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler.
func New(st store.Store, notifier *events.Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = DefaultConfig().HeartbeatWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Scheduler{
		store:    st,
		notifier: notifier,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
		locks:    runLocks{locks: make(map[string]*sync.Mutex)},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Config returns the active policy values.
func (s *Scheduler) Policy() Config {
	return s.config
}

// runLocks serializes scheduler work per run. Cross-run work takes
// different locks and proceeds in parallel.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// acquire locks the mutex for runID and returns its unlock func.
func (l *runLocks) acquire(runID string) func() {
	l.mu.Lock()
	m, ok := l.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[runID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
