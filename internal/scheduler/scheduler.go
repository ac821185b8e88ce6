// Package scheduler implements the background scheduler (§4.H): the
// Stopped/Idle/Running/Paused state machine driving periodic sync
// rounds across all opted-in data_types. Grounded on the teacher's
// sync Manager status/stage bookkeeping (internal/sync/manager.go),
// generalized from a single always-on git sync loop to a ticking
// scheduler with pause/resume and an idempotent sync_now().
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aurora-mail/sync-engine/internal/config"
	"github.com/aurora-mail/sync-engine/internal/crypto"
	"github.com/aurora-mail/sync-engine/internal/reconcile"
)

// State is one of the four scheduler states (§4.H).
type State string

const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// RoundHandle lets callers wait for an in-flight round to finish,
// returned by sync_now() whether it started a new round or joined one
// already running (§4.H "at most one sync round in progress").
type RoundHandle struct {
	done    chan struct{}
	results []reconcile.RoundResult
	err     error
}

// Wait blocks until the round completes.
func (h *RoundHandle) Wait() ([]reconcile.RoundResult, error) {
	<-h.done
	return h.results, h.err
}

// NetworkMonitor reports connectivity changes so the scheduler can
// transition to/from Paused without waiting for a round to fail first.
type NetworkMonitor interface {
	Online() bool
}

// Scheduler owns the ticking goroutine and round dispatch for one
// device.
type Scheduler struct {
	mu    sync.Mutex
	state State

	engine  *reconcile.Engine
	cfg     config.SyncConfig
	network NetworkMonitor

	cancel      context.CancelFunc
	inFlight    *RoundHandle
	lastResults []reconcile.RoundResult
	lastErr     error
}

// New creates a Scheduler in the Stopped state.
func New(engine *reconcile.Engine, cfg config.SyncConfig, network NetworkMonitor) *Scheduler {
	return &Scheduler{state: StateStopped, engine: engine, cfg: cfg, network: network}
}

// Start transitions Stopped -> Idle and begins the ticking loop. First
// tick fires at T_start+interval, not immediately; a separate one-shot
// startup sync runs at T_start if enabled (§4.H).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.cfg.StartupSync {
		go s.SyncNow(runCtx)
	}
	go s.loop(runCtx)
}

// Stop halts the ticking loop and cancels the context that startup and
// tick rounds run under, so such a round stops at its next phase
// boundary. A round started by SyncNow with a caller's own context is
// not cancelled. Stop does not wait for any round to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.state = StateStopped
}

// Pause transitions any state to Paused, e.g. on network loss signaled
// by the API client or device suspension (§4.H).
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = StatePaused
}

// Resume transitions Paused -> Idle once network is regained.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.state = StateIdle
	}
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) loop(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			paused := s.state == StatePaused
			s.mu.Unlock()
			if s.network != nil && !s.network.Online() {
				s.Pause()
				continue
			}
			if paused {
				if s.network == nil {
					continue
				}
				// Network regained: Paused -> Idle.
				s.Resume()
			}
			s.SyncNow(ctx)
		}
	}
}

// SyncNow triggers an immediate sync round across every opted-in
// data_type, or returns a handle to the round already in flight if one
// exists (§4.H "manual sync_now() requests issued during a running
// round return a handle to the in-flight round, not a new one").
func (s *Scheduler) SyncNow(ctx context.Context) *RoundHandle {
	s.mu.Lock()
	if s.inFlight != nil {
		h := s.inFlight
		s.mu.Unlock()
		return h
	}
	if s.state == StateStopped {
		s.mu.Unlock()
		return &RoundHandle{done: closedChan(), err: fmt.Errorf("scheduler: stopped")}
	}
	handle := &RoundHandle{done: make(chan struct{})}
	s.inFlight = handle
	s.state = StateRunning
	s.mu.Unlock()

	go s.runRound(ctx, handle)
	return handle
}

// runRound runs every opted-in data_type's round concurrently — the
// engine serializes phases within one data_type but the four
// data_types are independent (§4.E "Ordering guarantees").
func (s *Scheduler) runRound(ctx context.Context, handle *RoundHandle) {
	dataTypes := orderedOptedIn(s.cfg)
	results := make([]reconcile.RoundResult, len(dataTypes))
	errs := make([]error, len(dataTypes))

	var wg sync.WaitGroup
	for i, dt := range dataTypes {
		wg.Add(1)
		go func(i int, dt crypto.DataType) {
			defer wg.Done()
			res, err := s.engine.Run(ctx, dt)
			results[i] = res
			errs[i] = err
			if err == nil && res.Conflicts > 0 {
				_ = s.engine.ResolveConflicted(dt)
			}
		}(i, dt)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}

	s.mu.Lock()
	s.lastResults = results
	s.lastErr = firstErr
	s.inFlight = nil
	if s.state != StateStopped && s.state != StatePaused {
		s.state = StateIdle
	}
	s.mu.Unlock()

	handle.results = results
	handle.err = firstErr
	close(handle.done)
}

func orderedOptedIn(cfg config.SyncConfig) []crypto.DataType {
	var out []crypto.DataType
	for _, dt := range crypto.DataTypes {
		if cfg.OptIns.Enabled(dt) {
			out = append(out, dt)
		}
	}
	return out
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// LastResult returns the most recently completed round's results and
// error, for the status surface (§7).
func (s *Scheduler) LastResult() ([]reconcile.RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResults, s.lastErr
}
