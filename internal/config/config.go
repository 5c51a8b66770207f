// Package config resolves the lumidev settings for a project.
//
// Layers, lowest to highest: built-in defaults, lumidev.yaml, the "lumidev"
// key of package.json, a JSON override, LUMIDEV_* environment variables and
// bound flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumidev/lumidev/internal/bundler"
	lumierrors "github.com/lumidev/lumidev/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// FileName is the project config file looked up in the project root
	FileName = "lumidev.yaml"
	// PackageKey is the package.json key holding inline settings
	PackageKey = "lumidev"
	// EnvPrefix prefixes environment overrides (LUMIDEV_HTTP_PORT)
	EnvPrefix = "LUMIDEV"
	// LockFileName is created in the project root while watching
	LockFileName = ".bsb.lock"
)

// Config is the resolved configuration of one project
type Config struct {
	// Root is the project directory
	Root string `mapstructure:"-" json:"root" yaml:"root"`
	// WorkspaceRoot is the enclosing yarn workspace, or Root
	WorkspaceRoot string `mapstructure:"-" json:"workspace_root" yaml:"workspace_root"`
	// ConfigFile is the lumidev.yaml that was read, if any
	ConfigFile string `mapstructure:"-" json:"config_file,omitempty" yaml:"config_file,omitempty"`

	HTTP     HTTPConfig     `mapstructure:"http" json:"http" yaml:"http"`
	Esbuild  EsbuildConfig  `mapstructure:"esbuild" json:"esbuild" yaml:"esbuild"`
	Compiler CompilerConfig `mapstructure:"compiler" json:"compiler" yaml:"compiler"`
	Watch    WatchConfig    `mapstructure:"watch" json:"watch" yaml:"watch"`
	Database DatabaseConfig `mapstructure:"database" json:"database" yaml:"database"`
	Logging  LoggingConfig  `mapstructure:"logging" json:"logging" yaml:"logging"`
	CacheDir string         `mapstructure:"cache_dir" json:"cache_dir" yaml:"cache_dir"`
}

// HTTPConfig configures the dev server
type HTTPConfig struct {
	Host              string        `mapstructure:"host" json:"host" yaml:"host"`
	Port              int           `mapstructure:"port" json:"port" yaml:"port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval" yaml:"heartbeat_interval"`
	Proxy             ProxyConfig   `mapstructure:"proxy" json:"proxy" yaml:"proxy"`
	Static            StaticConfig  `mapstructure:"static" json:"static" yaml:"static"`
}

// ProxyConfig forwards the prefixes to Target
type ProxyConfig struct {
	Prefixes []string `mapstructure:"prefixes" json:"prefixes" yaml:"prefixes"`
	Target   string   `mapstructure:"target" json:"target" yaml:"target"`
}

// StaticConfig serves Dir at MountPoint
type StaticConfig struct {
	Dir        string `mapstructure:"dir" json:"dir" yaml:"dir"`
	MountPoint string `mapstructure:"mount_point" json:"mount_point" yaml:"mount_point"`
}

// EsbuildConfig configures the bundler
type EsbuildConfig struct {
	EntryPoints map[string]string `mapstructure:"entry_points" json:"entry_points" yaml:"entry_points"`
	Outdir      string            `mapstructure:"outdir" json:"outdir" yaml:"outdir"`
	Sourcemap   bool              `mapstructure:"sourcemap" json:"sourcemap" yaml:"sourcemap"`
	Minify      bool              `mapstructure:"minify" json:"minify" yaml:"minify"`
	Target      []string          `mapstructure:"target" json:"target" yaml:"target"`
	FileLoaders []string          `mapstructure:"file_loaders" json:"file_loaders" yaml:"file_loaders"`
	Inject      []string          `mapstructure:"inject" json:"inject" yaml:"inject"`
	Define      map[string]string `mapstructure:"define" json:"define" yaml:"define"`
	LogLevel    string            `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
}

// CompilerConfig is the command run before every bundle
type CompilerConfig struct {
	Command string `mapstructure:"command" json:"command" yaml:"command"`
	TTY     bool   `mapstructure:"tty" json:"tty" yaml:"tty"`
}

// WatchConfig decides which changes trigger a rebuild
type WatchConfig struct {
	Extensions       []string      `mapstructure:"extensions" json:"extensions" yaml:"extensions"`
	ExcludeWholename []string      `mapstructure:"exclude_wholename" json:"exclude_wholename" yaml:"exclude_wholename"`
	ExcludeBasenames []string      `mapstructure:"exclude_basenames" json:"exclude_basenames" yaml:"exclude_basenames"`
	ConfigFiles      []string      `mapstructure:"config_files" json:"config_files" yaml:"config_files"`
	Ignore           []string      `mapstructure:"ignore" json:"ignore" yaml:"ignore"`
	Debounce         time.Duration `mapstructure:"debounce" json:"debounce" yaml:"debounce"`
	Settle           time.Duration `mapstructure:"settle" json:"settle" yaml:"settle"`
	HashAlgorithm    string        `mapstructure:"hash_algorithm" json:"hash_algorithm" yaml:"hash_algorithm"`
}

// DatabaseConfig locates the build history store
type DatabaseConfig struct {
	Path         string `mapstructure:"path" json:"path" yaml:"path"`
	HistoryLimit int    `mapstructure:"history_limit" json:"history_limit" yaml:"history_limit"`
}

// LoggingConfig mirrors logger.LogConfig
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`
	File  string `mapstructure:"file" json:"file" yaml:"file"`
	JSON  bool   `mapstructure:"json" json:"json" yaml:"json"`
}

// LoadOptions selects the project and the optional override layers
type LoadOptions struct {
	// Root is the project directory; defaults to the working directory
	Root string
	// ConfigFile replaces <Root>/lumidev.yaml
	ConfigFile string
	// Override is a JSON object merged over the files
	Override string
	// Bind lets the caller bind flags on the viper instance before decoding
	Bind func(v *viper.Viper) error
}

// Load resolves the configuration for opts.Root
func Load(opts LoadOptions) (*Config, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, lumierrors.NewConfigError("failed to get working directory", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, lumierrors.NewConfigError("invalid project root", err)
	}

	v := viper.New()
	setDefaults(v, root)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configFile := opts.ConfigFile
	explicit := configFile != ""
	if !explicit {
		configFile = filepath.Join(root, FileName)
	}
	v.SetConfigFile(configFile)
	if !explicit {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, lumierrors.NewConfigError("failed to read config file", err).WithContext("file", configFile)
		}
		configFile = ""
	}

	if settings, err := packageSettings(root); err != nil {
		return nil, err
	} else if settings != nil {
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, lumierrors.NewConfigError("failed to merge package.json settings", err)
		}
	}

	if strings.TrimSpace(opts.Override) != "" {
		var override map[string]any
		if err := json.Unmarshal([]byte(opts.Override), &override); err != nil {
			return nil, lumierrors.NewConfigError("override must be a JSON object", err)
		}
		if err := v.MergeConfigMap(override); err != nil {
			return nil, lumierrors.NewConfigError("failed to merge override", err)
		}
	}

	if opts.Bind != nil {
		if err := opts.Bind(v); err != nil {
			return nil, lumierrors.NewConfigError("failed to bind flags", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, lumierrors.NewConfigError("failed to decode configuration", err)
	}
	cfg.Root = root
	cfg.ConfigFile = configFile
	cfg.WorkspaceRoot = FindWorkspaceRoot(root)
	return cfg, nil
}

func setDefaults(v *viper.Viper, root string) {
	v.SetDefault("http.host", "")
	v.SetDefault("http.port", 8020)
	v.SetDefault("http.heartbeat_interval", 15*time.Second)
	v.SetDefault("http.proxy.prefixes", []string{"/api/"})
	v.SetDefault("http.proxy.target", "http://localhost:8000")
	v.SetDefault("http.static.dir", "public")
	v.SetDefault("http.static.mount_point", "/"+filepath.Base(root)+"/")

	v.SetDefault("esbuild.entry_points", map[string]any{"bundle": "lib/es6/src/Index.bs.js"})
	v.SetDefault("esbuild.outdir", "public/bundle")
	v.SetDefault("esbuild.sourcemap", true)
	v.SetDefault("esbuild.minify", false)
	v.SetDefault("esbuild.target", []string{"firefox85", "chrome89"})
	v.SetDefault("esbuild.file_loaders", []string{".woff", ".woff2", ".eot", ".ttf", ".svg", ".png"})
	v.SetDefault("esbuild.inject", []string{})
	v.SetDefault("esbuild.log_level", "info")

	v.SetDefault("compiler.command", "node_modules/.bin/rescript build -with-deps")
	v.SetDefault("compiler.tty", false)

	v.SetDefault("watch.extensions", []string{".res", ".js", ".mjs", ".json", ".css", ".scss", ".sass"})
	v.SetDefault("watch.exclude_wholename", []string{"**/lib/**"})
	v.SetDefault("watch.exclude_basenames", []string{"sw.js", "workbox-*.js"})
	v.SetDefault("watch.config_files", []string{})
	v.SetDefault("watch.ignore", []string{})
	v.SetDefault("watch.debounce", 20*time.Millisecond)
	v.SetDefault("watch.settle", 30*time.Millisecond)
	v.SetDefault("watch.hash_algorithm", "sha256")

	v.SetDefault("database.path", "")
	v.SetDefault("database.history_limit", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.json", false)

	v.SetDefault("cache_dir", "node_modules/.cache/lumidev")
}

// packageSettings returns the "lumidev" object of <root>/package.json
func packageSettings(root string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, lumierrors.NewConfigError("failed to read package.json", err)
	}

	var pkg map[string]json.RawMessage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, lumierrors.NewConfigError("package.json is not valid JSON", err)
	}
	raw, ok := pkg[PackageKey]
	if !ok {
		return nil, nil
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, lumierrors.NewConfigError(fmt.Sprintf("package.json %q must be an object", PackageKey), err)
	}
	return settings, nil
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return lumierrors.NewValidationError(msg, nil)
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return invalid(fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	}
	if len(c.HTTP.Proxy.Prefixes) > 0 && c.HTTP.Proxy.Target != "" {
		u, err := url.Parse(c.HTTP.Proxy.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid(fmt.Sprintf("http.proxy.target %q is not an absolute URL", c.HTTP.Proxy.Target))
		}
	}
	if len(c.Esbuild.EntryPoints) == 0 {
		return invalid("esbuild.entry_points is empty")
	}
	if strings.TrimSpace(c.Esbuild.Outdir) == "" {
		return invalid("esbuild.outdir is empty")
	}
	if _, err := bundler.ParseTargets(c.Esbuild.Target); err != nil {
		return lumierrors.NewValidationError("esbuild.target is invalid", err)
	}
	if strings.TrimSpace(c.Compiler.Command) == "" {
		return invalid("compiler.command is empty")
	}
	if len(c.Watch.Extensions) == 0 {
		return invalid("watch.extensions is empty")
	}
	switch c.Watch.HashAlgorithm {
	case "md5", "sha256":
	default:
		return invalid(fmt.Sprintf("watch.hash_algorithm %q is not md5 or sha256", c.Watch.HashAlgorithm))
	}
	if c.Database.HistoryLimit < 0 {
		return invalid("database.history_limit is negative")
	}
	return nil
}

// Path resolves p against the project root
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// CachePath is the resolved cache directory
func (c *Config) CachePath() string {
	return c.Path(c.CacheDir)
}

// DatabasePath is the resolved build history file
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Path(c.Database.Path)
	}
	return filepath.Join(c.CachePath(), "builds.db")
}

// LockPath is the lock file created while watching
func (c *Config) LockPath() string {
	return filepath.Join(c.Root, LockFileName)
}

// WorkspaceRelative converts an absolute or project-relative path into a
// slash-separated path relative to the workspace root. ok is false for paths
// outside the workspace.
func (c *Config) WorkspaceRelative(p string) (rel string, ok bool) {
	rel, err := filepath.Rel(c.WorkspaceRoot, c.Path(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
