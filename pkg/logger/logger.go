// Package logger provides a centralized logging configuration for lumidev
package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Global logger instance
var lumiLogger *zap.Logger

// LogConfig holds the logging configuration
type LogConfig struct {
	Level       string
	OutputPath  string
	MaxSize     int // megabytes
	MaxBackups  int
	MaxAge      int // days
	Compress    bool
	Development bool
	EnableJSON  bool
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() *LogConfig {
	home, _ := os.UserHomeDir()
	return &LogConfig{
		Level:       "info",
		OutputPath:  filepath.Join(home, ".lumidev", "logs", "lumidev.log"),
		MaxSize:     20,
		MaxBackups:  3,
		MaxAge:      14,
		Compress:    true,
		Development: false,
		EnableJSON:  false,
	}
}

// WatchConfig returns the configuration used by the dev server: the console is
// the primary output, the rotating file keeps a history of build runs.
func WatchConfig(verbose bool) *LogConfig {
	cfg := DefaultConfig()
	cfg.Development = true
	if verbose {
		cfg.Level = "debug"
	}
	return cfg
}

// Initialize sets up the global logger with the given configuration
func Initialize(cfg *LogConfig) error {
	// Parse log level
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var fileEncoder zapcore.Encoder
	if cfg.EnableJSON {
		fileEncoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		fileEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	logDir := filepath.Dir(cfg.OutputPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	// Configure file output with rotation
	fileWriter := &lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	cores := []zapcore.Core{
		zapcore.NewCore(fileEncoder, zapcore.AddSync(fileWriter), atomicLevel),
	}

	// In development mode, also log to the console with colored levels
	if cfg.Development {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		consoleConfig.CallerKey = zapcore.OmitKey
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleConfig),
			zapcore.Lock(os.Stdout),
			atomicLevel,
		))
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}

	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	lumiLogger = zap.New(zapcore.NewTee(cores...), opts...)

	// Replace global logger
	zap.ReplaceGlobals(lumiLogger)

	return nil
}

// Get returns the global logger instance
func Get() *zap.Logger {
	if lumiLogger == nil {
		// Initialize with default config if not already initialized
		if err := Initialize(DefaultConfig()); err != nil {
			lumiLogger = zap.NewNop()
		}
	}
	return lumiLogger
}

// Named returns the global logger tagged with a component field
func Named(component string) *zap.Logger {
	return Get().With(zap.String("component", component))
}

// OrNamed returns l tagged with the component, or the global named logger when l is nil
func OrNamed(l *zap.Logger, component string) *zap.Logger {
	if l == nil {
		return Named(component)
	}
	return l.With(zap.String("component", component))
}

// Sync flushes any buffered log entries
func Sync() error {
	if lumiLogger != nil {
		return lumiLogger.Sync()
	}
	return nil
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}
