package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChangeKind defines the kind of file system change
type ChangeKind string

const (
	// ChangeKindCreated indicates a file was created
	ChangeKindCreated ChangeKind = "created"

	// ChangeKindModified indicates a file's contents were modified
	ChangeKindModified ChangeKind = "modified"

	// ChangeKindDeleted indicates a file was deleted or renamed away
	ChangeKindDeleted ChangeKind = "deleted"

	// ChangeKindExists indicates a file exists but only its metadata changed
	ChangeKindExists ChangeKind = "exists"
)

// String returns the string representation of the change kind
func (ck ChangeKind) String() string {
	return string(ck)
}

// ChangeEvent represents one changed file within a batch
type ChangeEvent struct {
	Path    string     `json:"name"` // slash separated, relative to the watch root
	Kind    ChangeKind `json:"kind"`
	Exists  bool       `json:"exists"`
	IsDir   bool       `json:"is_dir,omitempty"`
	Size    int64      `json:"size,omitempty"`
	MtimeMs int64      `json:"mtime_ms,omitempty"`
	Hash    string     `json:"hash,omitempty"`
}

// NewChangeEvent creates a new change event
func NewChangeEvent(kind ChangeKind, path string) ChangeEvent {
	return ChangeEvent{
		Path:   path,
		Kind:   kind,
		Exists: kind != ChangeKindDeleted,
	}
}

// IsDelete checks if the event is a delete
func (e ChangeEvent) IsDelete() bool {
	return e.Kind == ChangeKindDeleted
}

// ChangeBatch is an ordered set of change events sharing one notification instant
type ChangeBatch struct {
	Subscription string        `json:"subscription"`
	Clock        Clock         `json:"clock"`
	Files        []ChangeEvent `json:"files"`
	DeliveredAt  time.Time     `json:"delivered_at"`
}

// Paths returns the changed paths in delivery order
func (b ChangeBatch) Paths() []string {
	paths := make([]string, len(b.Files))
	for i, f := range b.Files {
		paths[i] = f.Path
	}
	return paths
}

// IsEmpty reports whether the batch carries no files
func (b ChangeBatch) IsEmpty() bool {
	return len(b.Files) == 0
}

// Clock is a logical clock value issued by a watch service. Values issued by
// the same service instance are totally ordered by their tick.
type Clock string

// NewClock formats a clock for the given service instance and tick
func NewClock(epoch int64, pid int, tick uint64) Clock {
	return Clock(fmt.Sprintf("c:%d:%d:%d", epoch, pid, tick))
}

// Tick returns the monotonically increasing tick component of the clock
func (c Clock) Tick() (uint64, error) {
	s := string(c)
	i := strings.LastIndexByte(s, ':')
	if !strings.HasPrefix(s, "c:") || i < 0 {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}

// Instance returns the service-instance prefix of the clock
func (c Clock) Instance() string {
	s := string(c)
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

// After reports whether c was issued after other by the same service instance.
// Clocks from a different instance are always considered later.
func (c Clock) After(other Clock) bool {
	if other == "" {
		return true
	}
	if c.Instance() != other.Instance() {
		return true
	}
	a, errA := c.Tick()
	b, errB := other.Tick()
	if errA != nil || errB != nil {
		return true
	}
	return a > b
}
