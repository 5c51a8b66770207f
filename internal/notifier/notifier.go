// Package notifier fans out build completions to connected clients.
//
// Delivery is one-shot: after a broadcast every subscriber is released and
// the set is cleared, so a client re-registers to hear about the next build.
// A client registering after a successful build receives the latest stamp
// immediately.
package notifier

import (
	"sync"
	"time"

	"github.com/lumidev/lumidev/pkg/logger"
	"go.uber.org/zap"
)

// Notifier holds the subscriber set and the last build stamp
type Notifier struct {
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	subscribers []Subscriber
	stamp       int64
	floor       int64
}

// Option configures a Notifier
type Option func(*Notifier)

// WithClock replaces the wall clock used to derive stamps
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		n.now = now
	}
}

// New creates an empty notifier
func New(log *zap.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		logger: logger.OrNamed(log, "notifier"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register adds sub to the set. If a build has already succeeded sub is sent
// the current stamp straight away and still stays registered for the next one.
func (n *Notifier) Register(sub Subscriber) {
	if sub == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stamp != 0 {
		if err := sub.Deliver(Message{LastSuccessBuildStamp: n.stamp}); err != nil {
			n.logger.Debug("Dropping subscriber on catch-up delivery", zap.Error(err))
			sub.Release()
			return
		}
	}
	n.subscribers = append(n.subscribers, sub)
}

// Unregister removes every registration of sub
func (n *Notifier) Unregister(sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	kept := n.subscribers[:0]
	for _, s := range n.subscribers {
		if s != sub {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(n.subscribers); i++ {
		n.subscribers[i] = nil
	}
	n.subscribers = kept
}

// Broadcast records a new successful build and delivers its stamp to every
// registered subscriber, releasing them all. It returns the new stamp.
func (n *Notifier) Broadcast() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	last := n.stamp
	if n.floor > last {
		last = n.floor
	}
	stamp := n.now().UnixMilli()
	if stamp <= last {
		stamp = last + 1
	}
	n.stamp = stamp

	msg := Message{LastSuccessBuildStamp: stamp}
	delivered := 0
	for _, sub := range n.subscribers {
		if err := sub.Deliver(msg); err != nil {
			n.logger.Debug("Subscriber delivery failed", zap.Error(err))
		} else {
			delivered++
		}
		sub.Release()
	}
	total := len(n.subscribers)
	n.subscribers = nil

	n.logger.Info("Build completion broadcast",
		zap.Int64("stamp", stamp),
		zap.Int("subscribers", total),
		zap.Int("delivered", delivered),
	)
	return stamp
}

// Stamp returns the stamp of the last successful build, 0 if none
func (n *Notifier) Stamp() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stamp
}

// Len returns the number of registered subscribers
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}

// SeedFloor makes every later stamp greater than floor. It does not count as
// a successful build, so late subscribers get no catch-up from it.
func (n *Notifier) SeedFloor(floor int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if floor > n.floor {
		n.floor = floor
	}
}
