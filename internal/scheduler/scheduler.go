// Package scheduler serializes rebuild requests.
//
// At most one unit of work runs at a time. Triggers that arrive while a run
// is in flight collapse into a single follow-up run, which starts as soon as
// the current one completes. Failures of a run are logged and never reach the
// caller of Trigger.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lumidev/lumidev/pkg/logger"
	"go.uber.org/zap"
)

// Work is one pipeline run. It must be safe to invoke repeatedly.
type Work func(ctx context.Context) error

// RebuildState is the scheduler's state. Pending implies Running.
type RebuildState struct {
	Running bool `json:"running"`
	Pending bool `json:"pending"`
}

// Stats counts what the scheduler has done since construction
type Stats struct {
	Triggers  int64 `json:"triggers"`
	Coalesced int64 `json:"coalesced"`
	Runs      int64 `json:"runs"`
	Failures  int64 `json:"failures"`
}

// Scheduler runs Work strictly sequentially, coalescing bursts of triggers
type Scheduler struct {
	ctx    context.Context
	logger *zap.Logger

	mu    sync.Mutex
	state RebuildState
	next  Work
	idle  *sync.Cond
	stats Stats
}

// New creates a scheduler whose runs receive ctx
func New(ctx context.Context, log *zap.Logger) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Scheduler{
		ctx:    ctx,
		logger: logger.OrNamed(log, "scheduler"),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Trigger requests a run of work. If nothing is running, work starts on a new
// goroutine. Otherwise a single follow-up run is scheduled; work replaces any
// follow-up requested earlier during the same run. Trigger never blocks on
// the work itself.
func (s *Scheduler) Trigger(work Work) {
	if work == nil {
		return
	}

	s.mu.Lock()
	s.stats.Triggers++
	if s.state.Running {
		if s.state.Pending {
			s.stats.Coalesced++
		}
		s.state.Pending = true
		s.next = work
		s.mu.Unlock()
		s.logger.Debug("Rebuild already running, queued follow-up")
		return
	}
	s.state.Running = true
	s.mu.Unlock()

	go s.loop(work)
}

// loop runs work, then the pending follow-up, until a run finishes with nothing pending
func (s *Scheduler) loop(work Work) {
	for {
		s.run(work)

		s.mu.Lock()
		if !s.state.Pending {
			s.state.Running = false
			s.next = nil
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		s.state.Pending = false
		work = s.next
		s.next = nil
		s.mu.Unlock()

		s.logger.Debug("Running coalesced follow-up rebuild")
	}
}

// run invokes work once; errors and panics are logged and swallowed
func (s *Scheduler) run(work Work) {
	start := time.Now()
	err := s.invoke(work)

	s.mu.Lock()
	s.stats.Runs++
	if err != nil {
		s.stats.Failures++
	}
	run := s.stats.Runs
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Rebuild failed",
			zap.Int64("run", run),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Rebuild finished",
		zap.Int64("run", run),
		zap.Duration("duration", time.Since(start)),
	)
}

func (s *Scheduler) invoke(work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rebuild panicked: %v", r)
			s.logger.Error("Recovered from panic in rebuild",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	return work(s.ctx)
}

// State returns a snapshot of the scheduler state
func (s *Scheduler) State() RebuildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Pending && !s.state.Running {
		s.logger.DPanic("Scheduler has a pending rebuild while idle")
	}
	return s.state
}

// Stats returns a snapshot of the scheduler counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Wait blocks until no run is in flight and none is pending
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state.Running {
		s.idle.Wait()
	}
}

// WaitContext is Wait bounded by ctx
func (s *Scheduler) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
