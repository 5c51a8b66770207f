// Package interfaces declares the contracts between the rebuild core and the
// tools it drives
package interfaces

import (
	"context"

	"github.com/lumidev/lumidev/pkg/models"
)

// Compiler defines the contract for the source compiler stage
type Compiler interface {
	// Name identifies the compiler in logs
	Name() string

	// Compile runs the compiler to completion. A non-nil error means the
	// compiler did not complete successfully and its output must not be bundled.
	Compile(ctx context.Context) error
}

// Bundler defines the contract for the bundling stage
type Bundler interface {
	// Build performs a full build and returns a handle for incremental rebuilds.
	// When the build reports errors the handle is nil and no output was written.
	Build(ctx context.Context) (BundleHandle, *BundleResult, error)
}

// BundleHandle is the retained state of a successful full build
type BundleHandle interface {
	// Rebuild recomputes the bundle incrementally. Compile errors are reported
	// in the result; a non-nil error means the handle is no longer usable.
	Rebuild(ctx context.Context) (*BundleResult, error)

	// Dispose releases the bundler state held by the handle
	Dispose()
}

// BundleResult summarizes the diagnostics of one bundler run
type BundleResult struct {
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
}

// HasErrors reports whether the run produced errors
func (r *BundleResult) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// Broadcaster is notified after every successful build
type Broadcaster interface {
	Broadcast() int64
}

// BuildRecorder persists the outcome of pipeline runs
type BuildRecorder interface {
	RecordBuild(record *models.BuildRecord) error
}
