package notifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lumidev/lumidev/pkg/models"
)

// Message is the payload delivered to subscribers
type Message = models.BuildMessage

// Subscriber is a connected client waiting for the next build completion.
// Implementations must not block in Deliver.
type Subscriber interface {
	// Deliver hands msg to the client
	Deliver(msg Message) error

	// Release ends the subscription; the transport closes its response
	Release()
}

// ErrSubscriberClosed is returned by Deliver after Release
var ErrSubscriberClosed = errors.New("subscriber already released")

// StreamSubscriber is a channel-backed Subscriber used by the HTTP transports.
// The transport drains Messages() until Done() is closed.
type StreamSubscriber struct {
	id       string
	messages chan Message
	done     chan struct{}

	mu       sync.Mutex
	released bool
}

// streamBuffer holds a catch-up message plus one broadcast
const streamBuffer = 2

// NewStreamSubscriber creates a subscriber with a fresh id
func NewStreamSubscriber() *StreamSubscriber {
	return &StreamSubscriber{
		id:       uuid.NewString(),
		messages: make(chan Message, streamBuffer),
		done:     make(chan struct{}),
	}
}

// ID identifies the subscriber in logs
func (s *StreamSubscriber) ID() string {
	return s.id
}

// Deliver queues msg without blocking
func (s *StreamSubscriber) Deliver(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrSubscriberClosed
	}
	select {
	case s.messages <- msg:
		return nil
	default:
		return fmt.Errorf("subscriber %s is not keeping up", s.id)
	}
}

// Release closes Done. Messages already queued stay readable.
func (s *StreamSubscriber) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	close(s.done)
}

// Messages returns the delivery channel
func (s *StreamSubscriber) Messages() <-chan Message {
	return s.messages
}

// Done is closed once the subscriber has been released
func (s *StreamSubscriber) Done() <-chan struct{} {
	return s.done
}

// Drain returns the messages queued so far without blocking
func (s *StreamSubscriber) Drain() []Message {
	var out []Message
	for {
		select {
		case msg := <-s.messages:
			out = append(out, msg)
		default:
			return out
		}
	}
}
