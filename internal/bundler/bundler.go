// Package bundler produces the browser bundle with esbuild
package bundler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/lumidev/lumidev/internal/core/interfaces"
	"github.com/lumidev/lumidev/pkg/logger"
	"go.uber.org/zap"
)

// ErrDisposed is returned by Rebuild after the handle was disposed
var ErrDisposed = errors.New("bundle handle disposed")

// Config contains the esbuild options used for every build
type Config struct {
	RootDir     string            // Absolute project root; relative paths resolve against it
	EntryPoints map[string]string // Output name to entry file
	Outdir      string
	Sourcemap   bool
	Minify      bool
	Target      []string // Engines such as "firefox85" or "chrome89"
	FileLoaders []string // Extensions emitted as separate files
	Inject      []string
	Define      map[string]string
	LogLevel    string // esbuild's own terminal output: silent, error, warning, info, debug
	Logger      *zap.Logger
}

// EsbuildBundler implements interfaces.Bundler
type EsbuildBundler struct {
	config Config
	logger *zap.Logger
}

// New creates a bundler
func New(config Config) *EsbuildBundler {
	return &EsbuildBundler{
		config: config,
		logger: logger.OrNamed(config.Logger, "bundler"),
	}
}

// Options translates the configuration into esbuild build options
func (b *EsbuildBundler) Options() (api.BuildOptions, error) {
	engines, err := ParseTargets(b.config.Target)
	if err != nil {
		return api.BuildOptions{}, err
	}
	if len(b.config.EntryPoints) == 0 {
		return api.BuildOptions{}, fmt.Errorf("no entry points configured")
	}

	names := make([]string, 0, len(b.config.EntryPoints))
	for name := range b.config.EntryPoints {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]api.EntryPoint, 0, len(names))
	for _, name := range names {
		entries = append(entries, api.EntryPoint{
			InputPath:  b.lumiAbs(b.config.EntryPoints[name]),
			OutputPath: name,
		})
	}

	loaders := make(map[string]api.Loader, len(b.config.FileLoaders))
	for _, ext := range b.config.FileLoaders {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		loaders[ext] = api.LoaderFile
	}

	inject := make([]string, 0, len(b.config.Inject))
	for _, p := range b.config.Inject {
		inject = append(inject, b.lumiAbs(p))
	}

	opts := api.BuildOptions{
		AbsWorkingDir:       b.config.RootDir,
		EntryPointsAdvanced: entries,
		Outdir:              b.lumiAbs(b.config.Outdir),
		Bundle:              true,
		Write:               true,
		Engines:             engines,
		Loader:              loaders,
		Inject:              inject,
		Define:              b.config.Define,
		LogLevel:            parseLogLevel(b.config.LogLevel),
	}
	if b.config.Sourcemap {
		opts.Sourcemap = api.SourceMapLinked
	}
	if b.config.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}
	return opts, nil
}

// Build performs a full build and keeps esbuild's context for incremental rebuilds
func (b *EsbuildBundler) Build(ctx context.Context) (interfaces.BundleHandle, *interfaces.BundleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	opts, err := b.Options()
	if err != nil {
		return nil, nil, err
	}

	buildCtx, ctxErr := api.Context(opts)
	if ctxErr != nil {
		return nil, &interfaces.BundleResult{Errors: formatMessages(ctxErr.Errors, api.ErrorMessage)}, nil
	}

	result := toBundleResult(buildCtx.Rebuild())
	if result.HasErrors() {
		buildCtx.Dispose()
		return nil, result, nil
	}

	b.logger.Debug("Full bundle written",
		zap.String("outdir", opts.Outdir),
		zap.Int("output_files", len(result.OutputFiles)),
	)
	return &handle{ctx: buildCtx, logger: b.logger}, result, nil
}

func (b *EsbuildBundler) lumiAbs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.config.RootDir, p)
}

// handle wraps an esbuild build context
type handle struct {
	mu       sync.Mutex
	ctx      api.BuildContext
	disposed bool
	logger   *zap.Logger
}

// Rebuild reruns the build incrementally
func (h *handle) Rebuild(ctx context.Context) (*interfaces.BundleResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil, ErrDisposed
	}
	return toBundleResult(h.ctx.Rebuild()), nil
}

// Dispose releases esbuild's retained state
func (h *handle) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return
	}
	h.disposed = true
	h.ctx.Dispose()
	h.logger.Debug("Bundle context disposed")
}

func toBundleResult(r api.BuildResult) *interfaces.BundleResult {
	result := &interfaces.BundleResult{
		Errors:   formatMessages(r.Errors, api.ErrorMessage),
		Warnings: formatMessages(r.Warnings, api.WarningMessage),
	}
	for _, f := range r.OutputFiles {
		result.OutputFiles = append(result.OutputFiles, f.Path)
	}
	return result
}

func formatMessages(msgs []api.Message, kind api.MessageKind) []string {
	if len(msgs) == 0 {
		return nil
	}
	formatted := api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: kind})
	for i, m := range formatted {
		formatted[i] = strings.TrimSpace(m)
	}
	return formatted
}

func parseLogLevel(level string) api.LogLevel {
	switch strings.ToLower(level) {
	case "silent", "":
		return api.LogLevelSilent
	case "error":
		return api.LogLevelError
	case "warning", "warn":
		return api.LogLevelWarning
	case "debug":
		return api.LogLevelDebug
	case "verbose":
		return api.LogLevelVerbose
	default:
		return api.LogLevelInfo
	}
}
