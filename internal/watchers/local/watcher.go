package local

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lumidev/lumidev/internal/core/interfaces"
	"github.com/lumidev/lumidev/internal/watchers/ignore"
	"github.com/lumidev/lumidev/internal/watchers/queue"
	"github.com/lumidev/lumidev/pkg/logger"
	"github.com/lumidev/lumidev/pkg/models"
	"go.uber.org/zap"
)

const (
	// historyLimit bounds the events kept for replaying to late subscriptions
	historyLimit = 4096

	subscriptionBuffer = 16
)

// Config contains configuration for the local watch service
type Config struct {
	DebouncePeriod time.Duration // Per-path quiet period before an event is processed
	SettlePeriod   time.Duration // Quiet period before a batch is delivered
	MaxBatch       int           // Batch size that forces delivery
	HashAlgorithm  string        // "md5" or "sha256"
	IgnorePatterns []string      // Extra gitignore-style patterns
	Keep           []string      // Root-relative paths observed even when ignored
	Logger         *zap.Logger
}

// LumiWatcher implements interfaces.WatchService on top of fsnotify
type LumiWatcher struct {
	config  Config
	watcher *fsnotify.Watcher
	ignore  *ignore.LumiIgnoreMatcher
	logger  *zap.Logger

	root    string
	paths   map[string]bool // directories being watched
	pathsMu sync.RWMutex

	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex

	fileHashes map[string]string
	hashMu     sync.RWMutex

	mu            sync.Mutex
	epoch         int64
	pid           int
	tick          atomic.Uint64
	history       []tickedEvent
	subscriptions map[*subscription]bool
	closed        bool

	errorsChan chan error
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type tickedEvent struct {
	tick  uint64
	event models.ChangeEvent
}

type subscription struct {
	spec   interfaces.Subscription
	out    chan models.ChangeBatch
	queue  *queue.LumiChangeQueue
	cancel context.CancelFunc
	once   sync.Once
}

// NewLumiWatcher creates a new watch service instance
func NewLumiWatcher(config Config) (*LumiWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if config.DebouncePeriod == 0 {
		config.DebouncePeriod = 20 * time.Millisecond
	}
	if config.SettlePeriod == 0 {
		config.SettlePeriod = 30 * time.Millisecond
	}
	if config.HashAlgorithm == "" {
		config.HashAlgorithm = "sha256"
	}

	ctx, cancel := context.WithCancel(context.Background())

	lw := &LumiWatcher{
		config:         config,
		watcher:        w,
		ignore:         ignore.NewLumiIgnoreMatcher(),
		logger:         logger.OrNamed(config.Logger, "watcher"),
		paths:          make(map[string]bool),
		debounceTimers: make(map[string]*time.Timer),
		fileHashes:     make(map[string]string),
		epoch:          time.Now().Unix(),
		pid:            os.Getpid(),
		subscriptions:  make(map[*subscription]bool),
		errorsChan:     make(chan error, 10),
		ctx:            ctx,
		cancel:         cancel,
	}
	lw.ignore.AddPatterns(config.IgnorePatterns)

	return lw, nil
}

// WatchProject establishes a recursive watch on dir. The first call fixes the
// watch root; later calls must name the root or a directory inside it.
func (lw *LumiWatcher) WatchProject(ctx context.Context, dir string) (*interfaces.WatchRoot, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", absPath)
	}

	lw.pathsMu.Lock()
	defer lw.pathsMu.Unlock()

	if lw.root != "" {
		rel, err := filepath.Rel(lw.root, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%s is outside the watch on %s", absPath, lw.root)
		}
		if rel == "." {
			rel = ""
		}
		return &interfaces.WatchRoot{Watch: lw.root, RelativePath: filepath.ToSlash(rel)}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lw.root = absPath
	if err := lw.ignore.LoadFromFile(filepath.Join(absPath, ignore.FileName)); err != nil {
		lw.logger.Warn("Failed to load ignore file", zap.String("file", ignore.FileName), zap.Error(err))
	}
	lw.ignore.Keep(lw.config.Keep...)

	if _, err := lw.lumiAddRecursive(absPath); err != nil {
		lw.root = ""
		return nil, err
	}

	lw.wg.Add(1)
	go lw.lumiMonitor()

	lw.logger.Info("Watch established",
		zap.String("root", absPath),
		zap.Int("directories", len(lw.paths)),
		zap.Duration("debounce_period", lw.config.DebouncePeriod),
		zap.String("hash_algorithm", lw.config.HashAlgorithm),
	)

	return &interfaces.WatchRoot{Watch: absPath}, nil
}

// Clock returns the current logical clock
func (lw *LumiWatcher) Clock(ctx context.Context, root *interfaces.WatchRoot) (models.Clock, error) {
	if err := lw.lumiCheckRoot(root); err != nil {
		return "", err
	}

	return models.NewClock(lw.epoch, lw.pid, lw.tick.Load()), nil
}

// Subscribe starts delivering batches of matching changes observed after
// sub.Since. The channel closes when ctx is done or the service is closed.
func (lw *LumiWatcher) Subscribe(ctx context.Context, root *interfaces.WatchRoot, sub interfaces.Subscription) (<-chan models.ChangeBatch, error) {
	if err := lw.lumiCheckRoot(root); err != nil {
		return nil, err
	}
	if sub.Expression == nil {
		return nil, fmt.Errorf("subscription %q has no expression", sub.Name)
	}
	if err := sub.Expression.Validate(); err != nil {
		return nil, fmt.Errorf("subscription %q: %w", sub.Name, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		spec:   sub,
		out:    make(chan models.ChangeBatch, subscriptionBuffer),
		cancel: cancel,
	}
	s.queue = queue.NewLumiChangeQueue(queue.QueueConfig{
		MaxBatch:    lw.config.MaxBatch,
		Settle:      lw.config.SettlePeriod,
		ProcessFunc: func(files []models.ChangeEvent) { lw.lumiDeliver(subCtx, s, files) },
		Logger:      lw.logger,
	})

	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("watch service is closed")
	}
	lw.subscriptions[s] = true
	s.queue.Start()

	replayed := 0
	since, sinceErr := sub.Since.Tick()
	sameInstance := sub.Since != "" && sub.Since.Instance() == models.NewClock(lw.epoch, lw.pid, 0).Instance()
	if sinceErr == nil && sameInstance {
		for _, te := range lw.history {
			if te.tick > since {
				if ev, ok := lw.lumiMatch(s, te.event); ok {
					s.queue.Add(ev)
					replayed++
				}
			}
		}
	}
	lw.mu.Unlock()

	lw.logger.Info("Subscription established",
		zap.String("subscription", sub.Name),
		zap.String("since", string(sub.Since)),
		zap.Int("replayed", replayed),
	)

	go func() {
		select {
		case <-subCtx.Done():
		case <-lw.ctx.Done():
		}
		lw.lumiUnsubscribe(s)
	}()

	return s.out, nil
}

// Errors returns the channel for receiving errors
func (lw *LumiWatcher) Errors() <-chan error {
	return lw.errorsChan
}

// Close stops the service and closes all subscription channels
func (lw *LumiWatcher) Close() error {
	lw.cancel()

	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	subs := make([]*subscription, 0, len(lw.subscriptions))
	for s := range lw.subscriptions {
		subs = append(subs, s)
	}
	lw.mu.Unlock()

	lw.debounceMu.Lock()
	for _, timer := range lw.debounceTimers {
		timer.Stop()
	}
	lw.debounceTimers = make(map[string]*time.Timer)
	lw.debounceMu.Unlock()

	err := lw.watcher.Close()
	lw.wg.Wait()

	for _, s := range subs {
		lw.lumiUnsubscribe(s)
	}
	close(lw.errorsChan)

	lw.logger.Info("Watch service stopped")
	return err
}

// WatchedDirs returns the absolute directories currently watched
func (lw *LumiWatcher) WatchedDirs() []string {
	lw.pathsMu.RLock()
	defer lw.pathsMu.RUnlock()

	paths := make([]string, 0, len(lw.paths))
	for p := range lw.paths {
		paths = append(paths, p)
	}
	return paths
}

func (lw *LumiWatcher) lumiCheckRoot(root *interfaces.WatchRoot) error {
	lw.pathsMu.RLock()
	defer lw.pathsMu.RUnlock()

	if root == nil || lw.root == "" || root.Watch != lw.root {
		return fmt.Errorf("no watch established for %v", root)
	}
	return nil
}

func (lw *LumiWatcher) lumiUnsubscribe(s *subscription) {
	s.once.Do(func() {
		s.cancel()
		s.queue.Stop()

		lw.mu.Lock()
		delete(lw.subscriptions, s)
		lw.mu.Unlock()

		close(s.out)
		lw.logger.Debug("Subscription closed", zap.String("subscription", s.spec.Name))
	})
}

// lumiDeliver turns a flushed queue batch into a ChangeBatch
func (lw *LumiWatcher) lumiDeliver(ctx context.Context, s *subscription, files []models.ChangeEvent) {
	clock := models.NewClock(lw.epoch, lw.pid, lw.tick.Add(1))

	batch := models.ChangeBatch{
		Subscription: s.spec.Name,
		Clock:        clock,
		Files:        files,
		DeliveredAt:  time.Now(),
	}

	select {
	case s.out <- batch:
		lw.logger.Debug("Delivered change batch",
			zap.String("subscription", s.spec.Name),
			zap.String("clock", string(clock)),
			zap.Int("files", len(files)),
		)
	case <-ctx.Done():
	case <-lw.ctx.Done():
	}
}

// lumiMonitor is the main monitoring goroutine
func (lw *LumiWatcher) lumiMonitor() {
	defer lw.wg.Done()

	for {
		select {
		case <-lw.ctx.Done():
			return
		case event, ok := <-lw.watcher.Events:
			if !ok {
				return
			}
			lw.lumiHandleEvent(event)
		case err, ok := <-lw.watcher.Errors:
			if !ok {
				return
			}
			lw.logger.Error("File watcher error", zap.Error(err))
			select {
			case lw.errorsChan <- err:
			default:
			}
		}
	}
}

// lumiHandleEvent debounces a single fsnotify event per path
func (lw *LumiWatcher) lumiHandleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if lw.lumiShouldIgnore(event.Name, false) {
		return
	}

	lw.debounceMu.Lock()
	defer lw.debounceMu.Unlock()

	if timer, exists := lw.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	lw.debounceTimers[event.Name] = time.AfterFunc(lw.config.DebouncePeriod, func() {
		lw.debounceMu.Lock()
		delete(lw.debounceTimers, event.Name)
		lw.debounceMu.Unlock()

		if lw.ctx.Err() != nil {
			return
		}
		lw.lumiProcessEvent(event)
	})
}

// lumiProcessEvent processes a debounced event
func (lw *LumiWatcher) lumiProcessEvent(event fsnotify.Event) {
	rel, ok := lw.lumiRelative(event.Name)
	if !ok {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil && !os.IsNotExist(err) {
		lw.logger.Warn("Failed to stat file", zap.String("path", event.Name), zap.Error(err))
		return
	}

	if info == nil {
		lw.lumiForget(event.Name)
		lw.lumiDispatch(models.NewChangeEvent(models.ChangeKindDeleted, rel))
		return
	}

	if info.IsDir() {
		if lw.lumiShouldIgnore(event.Name, true) {
			return
		}
		// Files inside a new directory never produce their own events
		lw.pathsMu.Lock()
		files, err := lw.lumiAddRecursive(event.Name)
		lw.pathsMu.Unlock()
		if err != nil {
			lw.logger.Warn("Failed to add new directory to watcher", zap.String("path", event.Name), zap.Error(err))
		}
		for _, f := range files {
			if r, ok := lw.lumiRelative(f.path); ok {
				ev := models.NewChangeEvent(models.ChangeKindCreated, r)
				ev.Size, ev.MtimeMs, ev.Hash = f.size, f.mtimeMs, f.hash
				lw.lumiDispatch(ev)
			}
		}
		return
	}

	kind := lw.lumiMapEventType(event.Op)
	changeEvent := models.NewChangeEvent(kind, rel)
	changeEvent.Size = info.Size()
	changeEvent.MtimeMs = info.ModTime().UnixMilli()

	if h, err := lw.lumiCalculateHash(event.Name); err == nil {
		changeEvent.Hash = h

		lw.hashMu.Lock()
		oldHash, exists := lw.fileHashes[event.Name]
		lw.fileHashes[event.Name] = h
		lw.hashMu.Unlock()

		if exists {
			changeEvent.Kind = models.ChangeKindModified
			if oldHash == h {
				lw.logger.Debug("Content unchanged, skipping event", zap.String("path", rel))
				return
			}
		}
	}

	lw.lumiDispatch(changeEvent)
}

// lumiDispatch assigns the next tick to an event and queues it for every
// subscription whose expression matches
func (lw *LumiWatcher) lumiDispatch(event models.ChangeEvent) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return
	}

	tick := lw.tick.Add(1)
	lw.history = append(lw.history, tickedEvent{tick: tick, event: event})
	if len(lw.history) > 2*historyLimit {
		lw.history = append(lw.history[:0:0], lw.history[len(lw.history)-historyLimit:]...)
	}

	for s := range lw.subscriptions {
		if ev, ok := lw.lumiMatch(s, event); ok {
			s.queue.Add(ev)
		}
	}

	lw.logger.Debug("File change detected",
		zap.String("path", event.Path),
		zap.String("kind", string(event.Kind)),
		zap.Uint64("tick", tick),
	)
}

// lumiMatch applies a subscription's relative root and expression to event
func (lw *LumiWatcher) lumiMatch(s *subscription, event models.ChangeEvent) (models.ChangeEvent, bool) {
	if rr := strings.Trim(s.spec.RelativeRoot, "/"); rr != "" {
		if !strings.HasPrefix(event.Path, rr+"/") {
			return event, false
		}
		event.Path = strings.TrimPrefix(event.Path, rr+"/")
	}
	return event, s.spec.Expression.Evaluate(event)
}

// lumiMapEventType maps fsnotify operations to change kinds for an existing file
func (lw *LumiWatcher) lumiMapEventType(op fsnotify.Op) models.ChangeKind {
	switch {
	case op.Has(fsnotify.Create):
		return models.ChangeKindCreated
	case op.Has(fsnotify.Write):
		return models.ChangeKindModified
	default:
		// Removed or renamed, but something exists at the path again
		return models.ChangeKindModified
	}
}

func (lw *LumiWatcher) lumiRelative(abs string) (string, bool) {
	lw.pathsMu.RLock()
	root := lw.root
	lw.pathsMu.RUnlock()

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// lumiShouldIgnore checks an absolute path against the ignore rules
func (lw *LumiWatcher) lumiShouldIgnore(abs string, isDir bool) bool {
	rel, ok := lw.lumiRelative(abs)
	if !ok {
		return false
	}
	return lw.ignore.ShouldIgnore(rel, isDir)
}

func (lw *LumiWatcher) lumiForget(abs string) {
	lw.hashMu.Lock()
	delete(lw.fileHashes, abs)
	lw.hashMu.Unlock()

	lw.pathsMu.Lock()
	if lw.paths[abs] {
		prefix := abs + string(filepath.Separator)
		for p := range lw.paths {
			if p == abs || strings.HasPrefix(p, prefix) {
				delete(lw.paths, p)
			}
		}
	}
	lw.pathsMu.Unlock()
}

type scannedFile struct {
	path    string
	size    int64
	mtimeMs int64
	hash    string
}

// lumiAddRecursive adds a directory tree to the watcher and records the
// initial hashes of its files. Callers hold pathsMu.
func (lw *LumiWatcher) lumiAddRecursive(dir string) ([]scannedFile, error) {
	var files []scannedFile

	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, relErr := filepath.Rel(lw.root, p)
		if relErr != nil {
			return relErr
		}
		if rel != "." && lw.ignore.ShouldIgnore(path.Clean(filepath.ToSlash(rel)), info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Only directories are added; files are watched through their parent
		if info.IsDir() {
			if lw.paths[p] {
				return nil
			}
			if err := lw.watcher.Add(p); err != nil {
				return fmt.Errorf("failed to add directory %s: %w", p, err)
			}
			lw.paths[p] = true
			return nil
		}

		f := scannedFile{path: p, size: info.Size(), mtimeMs: info.ModTime().UnixMilli()}
		if h, err := lw.lumiCalculateHash(p); err == nil {
			f.hash = h
			lw.hashMu.Lock()
			lw.fileHashes[p] = h
			lw.hashMu.Unlock()
		}
		files = append(files, f)
		return nil
	})

	return files, err
}

// lumiCalculateHash calculates the hash of a file
func (lw *LumiWatcher) lumiCalculateHash(p string) (string, error) {
	var h hash.Hash
	switch lw.config.HashAlgorithm {
	case "md5":
		h = md5.New()
	case "sha256":
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", lw.config.HashAlgorithm)
	}

	file, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
