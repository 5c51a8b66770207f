package interfaces

import (
	"context"

	"github.com/lumidev/lumidev/internal/filter"
	"github.com/lumidev/lumidev/pkg/models"
)

// WatchService defines the contract of a file watch service: it establishes a
// watch on a directory tree and streams batches of changed files that match a
// subscription's expression
type WatchService interface {
	// WatchProject establishes a watch covering dir
	WatchProject(ctx context.Context, dir string) (*WatchRoot, error)

	// Clock returns the current logical clock of the watch
	Clock(ctx context.Context, root *WatchRoot) (models.Clock, error)

	// Subscribe starts delivering batches for changes observed after sub.Since.
	// Batches are never empty; the channel is closed when the service stops.
	Subscribe(ctx context.Context, root *WatchRoot, sub Subscription) (<-chan models.ChangeBatch, error)

	// Errors returns a channel for error notifications
	Errors() <-chan error

	// Close stops the service and closes every subscription channel
	Close() error
}

// WatchRoot identifies an established watch
type WatchRoot struct {
	// Watch is the absolute directory actually being watched
	Watch string `json:"watch"`

	// RelativePath is the requested directory relative to Watch, "" when equal
	RelativePath string `json:"relative_path,omitempty"`
}

// Subscription describes which changes a subscriber wants to hear about
type Subscription struct {
	Name       string            `json:"name"`
	Expression filter.Expression `json:"expression"`
	Since      models.Clock      `json:"since"`
	// RelativeRoot limits results to this subdirectory; paths are then reported relative to it
	RelativeRoot string `json:"relative_root,omitempty"`
}
