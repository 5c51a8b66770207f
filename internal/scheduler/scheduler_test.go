package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// gatedWork blocks its first invocation until release is closed
type gatedWork struct {
	runs    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newGatedWork() *gatedWork {
	return &gatedWork{
		started: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

func (g *gatedWork) Run(ctx context.Context) error {
	n := g.runs.Add(1)
	g.started <- struct{}{}
	if n == 1 {
		<-g.release
	}
	return nil
}

func waitIdle(t testing.TB, s *Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitContext(ctx))
}

func TestSingleTriggerRunsOnce(t *testing.T) {
	s := New(context.Background(), zap.NewNop())
	assert.Equal(t, RebuildState{}, s.State())

	var runs atomic.Int32
	s.Trigger(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	waitIdle(t, s)

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, RebuildState{Running: false, Pending: false}, s.State())
	assert.Equal(t, int64(1), s.Stats().Runs)
}

func TestTriggersDuringRunCoalesceIntoOneFollowUp(t *testing.T) {
	s := New(context.Background(), zap.NewNop())
	g := newGatedWork()

	s.Trigger(g.Run)
	<-g.started

	for i := 0; i < 25; i++ {
		s.Trigger(g.Run)
	}
	assert.Equal(t, RebuildState{Running: true, Pending: true}, s.State())

	close(g.release)
	waitIdle(t, s)

	assert.Equal(t, int32(2), g.runs.Load())
	stats := s.Stats()
	assert.Equal(t, int64(26), stats.Triggers)
	assert.Equal(t, int64(24), stats.Coalesced)
	assert.Equal(t, int64(2), stats.Runs)
}

func TestSecondTriggerBeforeFirstResolves(t *testing.T) {
	s := New(context.Background(), zap.NewNop())
	g := newGatedWork()

	s.Trigger(g.Run)
	<-g.started
	s.Trigger(g.Run)
	close(g.release)
	waitIdle(t, s)

	assert.Equal(t, int32(2), g.runs.Load())
}

func TestFollowUpUsesLatestWork(t *testing.T) {
	s := New(context.Background(), zap.NewNop())
	g := newGatedWork()

	var order []string
	var mu sync.Mutex
	record := func(name string) Work {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	s.Trigger(g.Run)
	<-g.started
	s.Trigger(record("stale"))
	s.Trigger(record("latest"))
	close(g.release)
	waitIdle(t, s)

	assert.Equal(t, []string{"latest"}, order)
}

func TestFailingWorkDoesNotBlockLaterRuns(t *testing.T) {
	s := New(context.Background(), zap.NewNop())

	s.Trigger(func(ctx context.Context) error {
		return errors.New("Compilation failed")
	})
	waitIdle(t, s)
	assert.Equal(t, RebuildState{}, s.State())
	assert.Equal(t, int64(1), s.Stats().Failures)

	var ok atomic.Bool
	s.Trigger(func(ctx context.Context) error {
		ok.Store(true)
		return nil
	})
	waitIdle(t, s)
	assert.True(t, ok.Load())
	assert.Equal(t, int64(2), s.Stats().Runs)
}

func TestFailureStillRunsPendingFollowUp(t *testing.T) {
	s := New(context.Background(), zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	work := func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
			return errors.New("Incremental bundle failed")
		}
		return nil
	}

	s.Trigger(work)
	<-started
	s.Trigger(work)
	close(release)
	waitIdle(t, s)

	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, int64(1), s.Stats().Failures)
}

func TestPanickingWorkIsRecovered(t *testing.T) {
	s := New(context.Background(), zap.NewNop())

	s.Trigger(func(ctx context.Context) error {
		panic("bundler crashed")
	})
	waitIdle(t, s)

	assert.Equal(t, RebuildState{}, s.State())
	assert.Equal(t, int64(1), s.Stats().Failures)
}

func TestRunsReceiveSchedulerContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "root")
	s := New(ctx, zap.NewNop())

	var got atomic.Value
	s.Trigger(func(ctx context.Context) error {
		got.Store(ctx.Value(key{}))
		return nil
	})
	waitIdle(t, s)
	assert.Equal(t, "root", got.Load())
}

func TestNilWorkIsIgnored(t *testing.T) {
	s := New(context.Background(), zap.NewNop())
	s.Trigger(nil)
	assert.Equal(t, RebuildState{}, s.State())
	assert.Equal(t, int64(0), s.Stats().Triggers)
}

func TestNoTwoRunsOverlap(t *testing.T) {
	s := New(context.Background(), zap.NewNop())

	var inFlight, maxInFlight atomic.Int32
	work := func(ctx context.Context) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Trigger(work)
				time.Sleep(100 * time.Microsecond)
			}
		}()
	}
	wg.Wait()
	waitIdle(t, s)

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, RebuildState{}, s.State())
}

func TestCoalescingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(rt, "triggers")

		s := New(context.Background(), zap.NewNop())
		g := newGatedWork()

		s.Trigger(g.Run)
		<-g.started
		for i := 0; i < n; i++ {
			s.Trigger(g.Run)
		}
		close(g.release)
		s.Wait()

		if got := g.runs.Load(); got != 2 {
			rt.Fatalf("%d triggers during a run produced %d runs, want 2", n, got)
		}
		if st := s.State(); st.Running || st.Pending {
			rt.Fatalf("scheduler not idle after Wait: %+v", st)
		}
	})
}
