// Package pipeline runs one build: compile the sources, then bundle them,
// then notify subscribers. The first run performs a full bundle and keeps the
// bundler's handle; later runs rebuild incrementally through that handle.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lumidev/lumidev/internal/core/interfaces"
	"github.com/lumidev/lumidev/pkg/errors"
	"github.com/lumidev/lumidev/pkg/logger"
	"github.com/lumidev/lumidev/pkg/models"
	"go.uber.org/zap"
)

// Stage names used in logs and build records
const (
	StageCompile           = "compile"
	StageBundle            = "bundle"
	StageBundleIncremental = "bundle incremental"
)

// Pipeline drives the compiler and bundler. Runs must not overlap; the
// scheduler guarantees that.
type Pipeline struct {
	compiler    interfaces.Compiler
	bundler     interfaces.Bundler
	broadcaster interfaces.Broadcaster
	recorder    interfaces.BuildRecorder
	logger      *zap.Logger

	mu     sync.Mutex
	handle interfaces.BundleHandle
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithRecorder persists every run through r
func WithRecorder(r interfaces.BuildRecorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithLogger sets the pipeline logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New creates a pipeline
func New(compiler interfaces.Compiler, bundler interfaces.Bundler, broadcaster interfaces.Broadcaster, opts ...Option) *Pipeline {
	p := &Pipeline{
		compiler:    compiler,
		bundler:     bundler,
		broadcaster: broadcaster,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.OrNamed(p.logger, "pipeline")
	return p
}

// Run performs one build. It is a full build when no handle is retained.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.RunOnce(ctx, !p.HasHandle())
}

// HasHandle reports whether a full build has succeeded and its handle is retained
func (p *Pipeline) HasHandle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil
}

// RunOnce performs one build. With isFirstRun a full bundle is produced and
// any retained handle is replaced; otherwise the retained handle is rebuilt.
// A missing handle always forces a full bundle.
func (p *Pipeline) RunOnce(ctx context.Context, isFirstRun bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	full := isFirstRun || p.handle == nil
	record := models.NewBuildRecord(!full)
	defer p.record(record)

	if err := p.compile(ctx); err != nil {
		record.Fail(StageCompile, err)
		return err
	}

	var err error
	if full {
		err = p.bundleFull(ctx)
	} else {
		err = p.bundleIncremental(ctx)
	}
	if err != nil {
		if full {
			record.Fail(StageBundle, err)
		} else {
			record.Fail(StageBundleIncremental, err)
		}
		return err
	}

	stamp := p.broadcaster.Broadcast()
	record.Succeed(stamp)
	p.logger.Info("Build succeeded",
		zap.Int64("stamp", stamp),
		zap.Bool("incremental", !full),
		zap.Duration("duration", record.Duration),
	)
	return nil
}

func (p *Pipeline) compile(ctx context.Context) error {
	log := p.logger.With(zap.String("stage", StageCompile), zap.String("compiler", p.compiler.Name()))
	log.Info("Compiling")

	if err := p.compiler.Compile(ctx); err != nil {
		log.Warn("Compilation failed", zap.Error(err))
		return errors.NewCompileFailed("Compilation failed", err)
	}

	log.Info("Compiled")
	return nil
}

func (p *Pipeline) bundleFull(ctx context.Context) error {
	log := p.logger.With(zap.String("stage", StageBundle))
	log.Info("Bundling")

	if p.handle != nil {
		p.handle.Dispose()
		p.handle = nil
	}

	handle, result, err := p.bundler.Build(ctx)
	if err == nil && result.HasErrors() {
		err = diagnosticsError(result)
	}
	if err != nil {
		if handle != nil {
			handle.Dispose()
		}
		log.Warn("Bundle failed", zap.Error(err))
		return errors.NewBundleFailed("Bundle failed", err)
	}
	if handle == nil {
		log.Warn("Bundler returned no handle")
		return errors.NewBundleFailed("Bundle failed", nil)
	}

	p.handle = handle
	logWarnings(log, result)
	log.Info("Bundled")
	return nil
}

func (p *Pipeline) bundleIncremental(ctx context.Context) error {
	log := p.logger.With(zap.String("stage", StageBundleIncremental))
	log.Info("Bundling")

	result, err := p.handle.Rebuild(ctx)
	if err != nil {
		p.handle.Dispose()
		p.handle = nil
		log.Warn("Incremental bundle failed, next build starts from scratch", zap.Error(err))
		return errors.NewIncrementalRebuildFailed("Incremental bundle failed", err)
	}
	if result.HasErrors() {
		err = diagnosticsError(result)
		log.Warn("Incremental bundle failed", zap.Error(err))
		return errors.NewIncrementalRebuildFailed("Incremental bundle failed", err)
	}

	logWarnings(log, result)
	log.Info("Bundled")
	return nil
}

func (p *Pipeline) record(record *models.BuildRecord) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordBuild(record); err != nil {
		p.logger.Warn("Failed to record build", zap.String("build_id", record.ID), zap.Error(err))
	}
}

// Close disposes the retained bundle handle
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil {
		p.handle.Dispose()
		p.handle = nil
	}
	return nil
}

func logWarnings(log *zap.Logger, result *interfaces.BundleResult) {
	if result == nil {
		return
	}
	for _, w := range result.Warnings {
		log.Warn("Bundler warning", zap.String("warning", w))
	}
}

func diagnosticsError(result *interfaces.BundleResult) error {
	if len(result.Errors) == 1 {
		return fmt.Errorf("%s", result.Errors[0])
	}
	return fmt.Errorf("%d errors: %s", len(result.Errors), strings.Join(result.Errors, "; "))
}
