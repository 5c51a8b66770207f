package watchers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumidev/lumidev/internal/core/interfaces"
	"github.com/lumidev/lumidev/internal/filter"
	"github.com/lumidev/lumidev/internal/scheduler"
	"github.com/lumidev/lumidev/internal/watchers/local"
	"github.com/lumidev/lumidev/pkg/errors"
	"github.com/lumidev/lumidev/pkg/logger"
	"github.com/lumidev/lumidev/pkg/models"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of a watch session
type SessionState int

const (
	// StateUninitialized the session has not been started
	StateUninitialized SessionState = iota
	// StateWatching batches are being routed to the scheduler
	StateWatching
	// StateTerminating a fatal change was observed; no further rebuilds are triggered
	StateTerminating
)

// String returns the string representation of the state
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWatching:
		return "watching"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Rebuilder accepts rebuild requests
type Rebuilder interface {
	Trigger(work scheduler.Work)
}

// SessionConfig contains configuration for a watch session
type SessionConfig struct {
	Name        string    // Subscription name
	ConfigFiles []string  // Paths, relative to the session root, whose change ends the process
	Exit        func(int) // Called with status 1 after a fatal change
	Logger      *zap.Logger
}

// SessionStats counts what the session has seen
type SessionStats struct {
	Batches  int64 `json:"batches"`
	Ignored  int64 `json:"ignored"`
	Triggers int64 `json:"triggers"`
}

// WatchSession binds a watch expression to a WatchService and routes change
// batches to the rebuild scheduler
type WatchSession struct {
	service     interfaces.WatchService
	rebuilder   Rebuilder
	work        scheduler.Work
	name        string
	configFiles []string
	exit        func(int)
	logger      *zap.Logger

	mu     sync.Mutex
	state  SessionState
	filter *filter.ChangeFilter
	root   *interfaces.WatchRoot
	stats  SessionStats
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchSession creates a session that triggers work on rebuilder
func NewWatchSession(service interfaces.WatchService, rebuilder Rebuilder, work scheduler.Work, config SessionConfig) *WatchSession {
	if config.Name == "" {
		config.Name = "lumidev"
	}

	return &WatchSession{
		service:     service,
		rebuilder:   rebuilder,
		work:        work,
		name:        config.Name,
		configFiles: config.ConfigFiles,
		exit:        config.Exit,
		logger:      logger.OrNamed(config.Logger, "watch_session"),
		state:       StateUninitialized,
	}
}

// NewLocalWatchService creates the fsnotify backed watch service
func NewLocalWatchService(config local.Config) (*local.LumiWatcher, error) {
	return local.NewLumiWatcher(config)
}

// Start establishes the watch on root and begins routing batches. Changes
// made before Start returns but after the clock was read are still delivered.
func (s *WatchSession) Start(ctx context.Context, root string, expression filter.Expression) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return fmt.Errorf("watch session is already %s", s.state)
	}

	watchRoot, err := s.service.WatchProject(ctx, root)
	if err != nil {
		return errors.NewWatchEstablishmentFailed("Failed to watch project", err).
			WithContext("root", root)
	}

	clock, err := s.service.Clock(ctx, watchRoot)
	if err != nil {
		return errors.NewWatchEstablishmentFailed("Failed to query watch clock", err).
			WithContext("root", watchRoot.Watch)
	}

	subCtx, cancel := context.WithCancel(ctx)
	batches, err := s.service.Subscribe(subCtx, watchRoot, interfaces.Subscription{
		Name:         s.name,
		Expression:   expression,
		Since:        clock,
		RelativeRoot: watchRoot.RelativePath,
	})
	if err != nil {
		cancel()
		return errors.NewWatchEstablishmentFailed("Failed to subscribe to changes", err).
			WithContext("root", watchRoot.Watch)
	}

	s.filter = filter.NewChangeFilter(expression, s.configFiles)
	s.root = watchRoot
	s.cancel = cancel
	s.state = StateWatching

	s.wg.Add(2)
	go s.lumiBatchProcessor(batches)
	go s.lumiErrorProcessor(subCtx)

	expr, _ := expression.MarshalJSON()
	s.logger.Info("Watching for changes",
		zap.String("watch", watchRoot.Watch),
		zap.String("relative_path", watchRoot.RelativePath),
		zap.String("clock", string(clock)),
		zap.ByteString("expression", expr),
	)

	return nil
}

// Stop ends the subscription and waits for the session goroutines
func (s *WatchSession) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// State returns the session state
func (s *WatchSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the session counters
func (s *WatchSession) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// HandleBatch applies one change batch: a fatal config change ends the
// process, an irrelevant batch is dropped, anything else triggers a rebuild
func (s *WatchSession) HandleBatch(batch models.ChangeBatch) {
	s.mu.Lock()
	if s.state != StateWatching {
		s.mu.Unlock()
		return
	}
	s.stats.Batches++
	f := s.filter

	if f.IsFatalConfigChange(batch) {
		s.state = StateTerminating
		s.mu.Unlock()

		s.logger.Warn("Build configuration changed, restart lumidev to pick it up",
			zap.Strings("paths", f.FatalPaths(batch)),
			zap.String("clock", string(batch.Clock)),
		)
		if s.exit != nil {
			s.exit(1)
		}
		return
	}

	if !f.ShouldRebuild(batch) {
		s.stats.Ignored++
		s.mu.Unlock()
		s.logger.Debug("Ignoring change batch",
			zap.Strings("paths", batch.Paths()),
			zap.String("clock", string(batch.Clock)),
		)
		return
	}

	s.stats.Triggers++
	s.mu.Unlock()

	s.logger.Info("Files changed, rebuilding",
		zap.Strings("paths", f.RelevantPaths(batch)),
		zap.String("clock", string(batch.Clock)),
		zap.Duration("latency", time.Since(batch.DeliveredAt)),
	)
	s.rebuilder.Trigger(s.work)
}

// lumiBatchProcessor consumes batches in delivery order
func (s *WatchSession) lumiBatchProcessor(batches <-chan models.ChangeBatch) {
	defer s.wg.Done()

	for batch := range batches {
		if batch.IsEmpty() {
			continue
		}
		s.HandleBatch(batch)
	}
	s.logger.Debug("Change subscription ended")
}

// lumiErrorProcessor logs watch service errors until the session stops
func (s *WatchSession) lumiErrorProcessor(ctx context.Context) {
	defer s.wg.Done()

	errorsChan := s.service.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errorsChan:
			if !ok {
				return
			}
			s.logger.Error("Watch service error", zap.Error(err))
		}
	}
}
