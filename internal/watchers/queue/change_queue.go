package queue

import (
	"context"
	"sync"
	"time"

	"github.com/lumidev/lumidev/pkg/logger"
	"github.com/lumidev/lumidev/pkg/models"
	"go.uber.org/zap"
)

// LumiChangeQueue collects change events per path and hands them over as one
// batch once the tree has been quiet for the settle window
type LumiChangeQueue struct {
	items       map[string]int // index into pending, keyed by path
	pending     []models.ChangeEvent
	itemsMu     sync.Mutex
	flushMu     sync.Mutex
	maxBatch    int
	settle      time.Duration
	processFunc func([]models.ChangeEvent)
	kick        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *zap.Logger
	stats       Stats
}

// QueueConfig contains configuration for the change queue
type QueueConfig struct {
	MaxBatch    int                        // Flush immediately once this many paths are pending
	Settle      time.Duration              // Quiet period before a batch is flushed
	ProcessFunc func([]models.ChangeEvent) // Receives every non-empty batch
	Logger      *zap.Logger
}

// Stats counts queue activity
type Stats struct {
	Added    int64 `json:"added"`
	Merged   int64 `json:"merged"`
	Dropped  int64 `json:"dropped"`
	Batches  int64 `json:"batches"`
	Pending  int   `json:"pending"`
	MaxBatch int   `json:"max_batch"`
}

// NewLumiChangeQueue creates a new change queue
func NewLumiChangeQueue(config QueueConfig) *LumiChangeQueue {
	if config.MaxBatch == 0 {
		config.MaxBatch = 1000
	}
	if config.Settle == 0 {
		config.Settle = 30 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LumiChangeQueue{
		items:       make(map[string]int),
		maxBatch:    config.MaxBatch,
		settle:      config.Settle,
		processFunc: config.ProcessFunc,
		kick:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.OrNamed(config.Logger, "change_queue"),
	}
}

// Start begins processing the queue
func (q *LumiChangeQueue) Start() {
	q.wg.Add(1)
	go q.lumiProcessor()

	q.logger.Debug("Change queue started",
		zap.Int("max_batch", q.maxBatch),
		zap.Duration("settle", q.settle),
	)
}

// Stop stops the queue processor. Pending changes are discarded.
func (q *LumiChangeQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Add queues a change event, merging it with a pending event for the same path
func (q *LumiChangeQueue) Add(event models.ChangeEvent) {
	q.itemsMu.Lock()
	q.stats.Added++
	if idx, exists := q.items[event.Path]; exists {
		merged, keep := lumiMerge(q.pending[idx], event)
		if keep {
			q.pending[idx] = merged
			q.stats.Merged++
		} else {
			q.pending[idx].Path = ""
			delete(q.items, event.Path)
			q.stats.Dropped++
		}
	} else {
		q.items[event.Path] = len(q.pending)
		q.pending = append(q.pending, event)
	}
	full := len(q.items) >= q.maxBatch
	q.itemsMu.Unlock()

	if full {
		q.Flush()
		return
	}

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Flush hands the pending changes to the process function right away
func (q *LumiChangeQueue) Flush() {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.itemsMu.Lock()
	batch := make([]models.ChangeEvent, 0, len(q.items))
	for _, event := range q.pending {
		if event.Path != "" {
			batch = append(batch, event)
		}
	}
	q.pending = nil
	q.items = make(map[string]int)
	if len(batch) > 0 {
		q.stats.Batches++
	}
	q.itemsMu.Unlock()

	if len(batch) == 0 || q.processFunc == nil {
		return
	}

	q.logger.Debug("Flushing batch of changes", zap.Int("batch_size", len(batch)))
	q.processFunc(batch)
}

// GetPendingCount returns the number of paths waiting to be flushed
func (q *LumiChangeQueue) GetPendingCount() int {
	q.itemsMu.Lock()
	defer q.itemsMu.Unlock()
	return len(q.items)
}

// GetQueueStats returns statistics about the queue
func (q *LumiChangeQueue) GetQueueStats() Stats {
	q.itemsMu.Lock()
	defer q.itemsMu.Unlock()

	stats := q.stats
	stats.Pending = len(q.items)
	stats.MaxBatch = q.maxBatch
	return stats
}

// lumiProcessor flushes after the settle window elapses without new events
func (q *LumiChangeQueue) lumiProcessor() {
	defer q.wg.Done()

	timer := time.NewTimer(q.settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.kick:
			timer.Reset(q.settle)
		case <-timer.C:
			q.Flush()
		}
	}
}

// lumiMerge combines two events for the same path. keep is false when the
// pair cancels out.
func lumiMerge(existing, next models.ChangeEvent) (merged models.ChangeEvent, keep bool) {
	// A file created and removed within one batch never existed for the build
	if existing.Kind == models.ChangeKindCreated && next.Kind == models.ChangeKindDeleted {
		return models.ChangeEvent{}, false
	}

	// Created then modified is still a new file
	if existing.Kind == models.ChangeKindCreated && next.Kind == models.ChangeKindModified {
		next.Kind = models.ChangeKindCreated
		return next, true
	}

	// Deleted then recreated reads as a modification
	if existing.Kind == models.ChangeKindDeleted && next.Kind == models.ChangeKindCreated {
		next.Kind = models.ChangeKindModified
		return next, true
	}

	return next, true
}
