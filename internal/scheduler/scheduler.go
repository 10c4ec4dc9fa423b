// Package scheduler drives periodic ingestion cycles.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"newsfeeder/internal/ingest"
	"newsfeeder/internal/model"
)

// ErrCycleInProgress is returned when a run is requested while another cycle
// is still executing.
var ErrCycleInProgress = errors.New("ingestion cycle already running")

// Runner is the cycle executor the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context, scope ingest.Scope) (*model.CycleSummary, error)
	// RetryDeferred re-attempts entity extraction for items deferred by
	// earlier cycles.
	RetryDeferred(ctx context.Context, limit int) (int, error)
}

// RunState is a snapshot of scheduler activity for the operational surface.
type RunState struct {
	Running         bool                `json:"running"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	LastCompletedAt *time.Time          `json:"last_completed_at,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	LastSummary     *model.CycleSummary `json:"last_summary,omitempty"`
}

// Scheduler invokes the runner on a fixed interval and serializes on-demand
// runs against scheduled ones.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	state   RunState

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler polling at the given interval.
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("scheduler started", "interval", s.interval)
		for {
			s.runScheduled(ctx)
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
		}
	}()
}

// Stop stops the polling loop and waits for an in-flight scheduled cycle to
// hand back.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if _, err := s.RunNow(ctx, ingest.Scope{}); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			s.logger.Warn("scheduled cycle skipped; previous cycle still running")
			return
		}
		s.logger.Error("scheduled cycle failed", "error", err)
		return
	}
	// Items deferred by earlier cycles get their extraction retry pass
	// between cycles, never inside one.
	retried, err := s.runner.RetryDeferred(ctx, 0)
	if err != nil {
		s.logger.Error("deferred extraction pass failed", "error", err)
		return
	}
	if retried > 0 {
		s.logger.Info("deferred extraction pass complete", "items", retried)
	}
}

// RunNow executes one cycle on demand, optionally scoped to a feed or
// source. Only one cycle runs at a time.
func (s *Scheduler) RunNow(ctx context.Context, scope ingest.Scope) (*model.CycleSummary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	s.running = true
	s.state.Running = true
	now := time.Now().UTC()
	s.state.StartedAt = &now
	s.mu.Unlock()

	summary, err := s.runner.RunCycle(ctx, scope)

	s.mu.Lock()
	s.running = false
	s.state.Running = false
	done := time.Now().UTC()
	s.state.LastCompletedAt = &done
	if err != nil {
		s.state.LastError = err.Error()
	} else {
		s.state.LastError = ""
		s.state.LastSummary = summary
	}
	s.mu.Unlock()
	return summary, err
}

// Snapshot returns the current run state.
func (s *Scheduler) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
