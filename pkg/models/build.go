// Package models holds the data types shared across lumidev packages
package models

import (
	"time"

	"github.com/google/uuid"
)

// BuildMessage is the payload pushed to build-completion subscribers
type BuildMessage struct {
	LastSuccessBuildStamp int64 `json:"LAST_SUCCESS_BUILD_STAMP"`
}

// BuildStatus represents the outcome of one pipeline run
type BuildStatus string

const (
	// BuildStatusSucceeded the run compiled, bundled and notified subscribers
	BuildStatusSucceeded BuildStatus = "succeeded"

	// BuildStatusFailed a stage of the run failed
	BuildStatusFailed BuildStatus = "failed"
)

// BuildRecord is one entry of the build history
type BuildRecord struct {
	ID          string        `json:"id"`
	Stamp       int64         `json:"stamp,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Incremental bool          `json:"incremental"`
	Status      BuildStatus   `json:"status"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// NewBuildRecord creates a record for a run starting now
func NewBuildRecord(incremental bool) *BuildRecord {
	return &BuildRecord{
		ID:          uuid.NewString(),
		StartedAt:   time.Now(),
		Incremental: incremental,
	}
}

// Succeed marks the record as succeeded with the broadcast stamp
func (r *BuildRecord) Succeed(stamp int64) {
	r.Status = BuildStatusSucceeded
	r.Stamp = stamp
	r.Duration = time.Since(r.StartedAt)
}

// Fail marks the record as failed in the given stage
func (r *BuildRecord) Fail(stage string, err error) {
	r.Status = BuildStatusFailed
	r.FailedStage = stage
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.StartedAt)
}

// Succeeded reports whether the run succeeded
func (r *BuildRecord) Succeeded() bool {
	return r.Status == BuildStatusSucceeded
}
