package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/lumidev/lumidev/internal/bundler"
	"github.com/lumidev/lumidev/internal/compiler"
	"github.com/lumidev/lumidev/internal/config"
	"github.com/lumidev/lumidev/internal/database"
	"github.com/lumidev/lumidev/internal/database/repositories"
	"github.com/lumidev/lumidev/internal/lockfile"
	"github.com/lumidev/lumidev/internal/notifier"
	"github.com/lumidev/lumidev/internal/pipeline"
	"github.com/lumidev/lumidev/internal/scheduler"
	"github.com/lumidev/lumidev/internal/server"
	"github.com/lumidev/lumidev/internal/watchers"
	"github.com/lumidev/lumidev/internal/watchers/local"
	"github.com/lumidev/lumidev/pkg/errors"
	lumilogger "github.com/lumidev/lumidev/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// watchCmd runs the dev server
var watchCmd = &cobra.Command{
	Use:   "watch [override-json]",
	Short: "Build on every change and serve with live reload",
	Long: `Compile and bundle the project, serve it, and rebuild whenever a watched
file changes. Browsers that loaded the bundle reload after each successful build.

The optional argument is a JSON object merged over the configuration, for
example: lumidev watch '{"http": {"port": 9000}}'

A change to lumidev.yaml, package.json or another build configuration file
stops the server with status 1 so it can be restarted with the new settings.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Int("port", 8020, "HTTP port")
	watchCmd.Flags().String("host", "", "HTTP host to bind (default all interfaces)")
	watchCmd.Flags().Bool("tty", false, "Run the compiler under a pseudo terminal")
	watchCmd.Flags().Bool("no-history", false, "Do not record builds in the history database")
}

// watchStatus is reported on /__lumidev/builds while watching
type watchStatus struct {
	Session     string                 `json:"session"`
	Scheduler   scheduler.RebuildState `json:"scheduler"`
	Rebuilds    scheduler.Stats        `json:"rebuilds"`
	Watch       watchers.SessionStats  `json:"watch"`
	WatchedDirs int                    `json:"watched_dirs"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	override := ""
	if len(args) == 1 {
		override = args[0]
	}

	cfg, err := loadConfig(cmd, override,
		flagBinding{key: "http.port", flag: "port"},
		flagBinding{key: "http.host", flag: "host"},
		flagBinding{key: "compiler.tty", flag: "tty"},
	)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logConfig := lumilogger.WatchConfig(verboseMode)
	if !verboseMode && cfg.Logging.Level != "" {
		logConfig.Level = cfg.Logging.Level
	}
	if cfg.Logging.File != "" {
		logConfig.OutputPath = cfg.Path(cfg.Logging.File)
	}
	logConfig.EnableJSON = cfg.Logging.JSON
	if err := lumilogger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lumilogger.Sync()
	log := lumilogger.Named("watch")

	log.Info("Starting lumidev",
		zap.String("version", version),
		zap.String("root", cfg.Root),
		zap.String("workspace", cfg.WorkspaceRoot),
		zap.String("config_file", cfg.ConfigFile),
	)

	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		log.Warn("Could not create lock file", zap.Error(err))
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("Could not remove lock file", zap.Error(err))
		}
	}()

	n := notifier.New(lumilogger.Get())

	var history *repositories.BuildRepository
	noHistory, _ := cmd.Flags().GetBool("no-history")
	if !noHistory {
		db, repo, err := openHistory(cfg, false)
		if err != nil {
			log.Warn("Build history disabled", zap.String("path", cfg.DatabasePath()), zap.Error(err))
		} else {
			defer db.Close()
			history = repo
			if stamp, err := repo.LastStamp(); err == nil {
				n.SeedFloor(stamp)
			}
		}
	}

	clientPath, err := server.WriteLiveReloadClient(cfg.CachePath())
	if err != nil {
		return errors.NewFileSystemError("failed to prepare live reload client", err)
	}

	command, commandArgs, err := compiler.ParseCommand(cfg.Compiler.Command)
	if err != nil {
		return errors.NewValidationError("compiler.command is invalid", err)
	}
	comp := compiler.New(compiler.Config{
		Command: command,
		Args:    commandArgs,
		Dir:     cfg.Root,
		TTY:     cfg.Compiler.TTY,
		Output:  os.Stdout,
		Logger:  lumilogger.Get(),
	})

	bund := bundler.New(bundler.Config{
		RootDir:     cfg.Root,
		EntryPoints: cfg.Esbuild.EntryPoints,
		Outdir:      cfg.Esbuild.Outdir,
		Sourcemap:   cfg.Esbuild.Sourcemap,
		Minify:      cfg.Esbuild.Minify,
		Target:      cfg.Esbuild.Target,
		FileLoaders: cfg.Esbuild.FileLoaders,
		Inject:      append(append([]string{}, cfg.Esbuild.Inject...), clientPath),
		Define:      cfg.Esbuild.Define,
		LogLevel:    cfg.Esbuild.LogLevel,
		Logger:      lumilogger.Get(),
	})

	pipelineOpts := []pipeline.Option{pipeline.WithLogger(lumilogger.Get())}
	if history != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithRecorder(history))
	}
	p := pipeline.New(comp, bund, n, pipelineOpts...)
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Builds run on ctx, so an interrupt stops the compiler. A build
	// configuration change only ends watchCtx and the running build finishes.
	var fatal atomic.Bool
	watchCtx, endWatch := context.WithCancel(ctx)
	defer endWatch()

	sched := scheduler.New(ctx, lumilogger.Get())

	svc, err := watchers.NewLocalWatchService(local.Config{
		DebouncePeriod: cfg.Watch.Debounce,
		SettlePeriod:   cfg.Watch.Settle,
		HashAlgorithm:  cfg.Watch.HashAlgorithm,
		IgnorePatterns: cfg.Watch.Ignore,
		Keep:           cfg.BuildConfigFiles(),
		Logger:         lumilogger.Get(),
	})
	if err != nil {
		return errors.NewWatchEstablishmentFailed("failed to create file watcher", err)
	}
	defer svc.Close()

	session := watchers.NewWatchSession(svc, sched, p.Run, watchers.SessionConfig{
		ConfigFiles: cfg.BuildConfigFiles(),
		Exit: func(code int) {
			fatal.Store(code != 0)
			endWatch()
		},
		Logger: lumilogger.Get(),
	})

	serverOpts := []server.Option{server.WithStatus(func() any {
		return watchStatus{
			Session:     session.State().String(),
			Scheduler:   sched.State(),
			Rebuilds:    sched.Stats(),
			Watch:       session.Stats(),
			WatchedDirs: len(svc.WatchedDirs()),
		}
	})}
	if history != nil {
		serverOpts = append(serverOpts, server.WithBuildHistory(history))
	}
	srv, err := server.New(serverConfig(cfg), n, serverOpts...)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	if err := session.Start(watchCtx, cfg.WorkspaceRoot, cfg.Rules().Compile()); err != nil {
		return err
	}

	// Initial build goes through the scheduler like every later one
	sched.Trigger(p.Run)

	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		session.Stop()
		if fatal.Load() && sched.State().Running {
			log.Info("Waiting for the running build to finish")
		}
		sched.Wait()
		return nil
	})

	err = g.Wait()
	if fatal.Load() {
		return errors.NewFatalConfigChange("build configuration changed, restart lumidev to apply it", nil)
	}
	if err != nil {
		return err
	}
	log.Info("lumidev stopped")
	return nil
}

func serverConfig(cfg *config.Config) server.Config {
	sc := server.Config{
		Host:              cfg.HTTP.Host,
		Port:              cfg.HTTP.Port,
		ProxyPrefixes:     cfg.HTTP.Proxy.Prefixes,
		ProxyTarget:       cfg.HTTP.Proxy.Target,
		HeartbeatInterval: cfg.HTTP.HeartbeatInterval,
		Logger:            lumilogger.Get(),
	}
	if cfg.HTTP.Static.Dir != "" {
		sc.StaticDir = cfg.Path(cfg.HTTP.Static.Dir)
		sc.MountPoint = cfg.HTTP.Static.MountPoint
	}
	return sc
}

// openHistory opens the build history database
func openHistory(cfg *config.Config, readOnly bool) (*database.Manager, *repositories.BuildRepository, error) {
	opts := database.DefaultOptions(cfg.DatabasePath())
	opts.ReadOnly = readOnly
	db, err := database.NewManager(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Open(); err != nil {
		return nil, nil, errors.NewDatabaseError("failed to open build history", err)
	}
	return db, repositories.NewBuildRepository(db, cfg.Database.HistoryLimit), nil
}
