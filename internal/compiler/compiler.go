// Package compiler runs the source compiler as a child process
package compiler

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumidev/lumidev/pkg/logger"
	"go.uber.org/zap"
)

// Config contains configuration for the compiler process
type Config struct {
	Command string    // Executable, relative to Dir unless absolute or on PATH
	Args    []string  // Arguments
	Dir     string    // Working directory, normally the project root
	Env     []string  // Extra environment entries
	TTY     bool      // Run under a pseudo terminal so the compiler keeps its colours
	Output  io.Writer // Receives the compiler's stdout and stderr; defaults to os.Stdout
	Logger  *zap.Logger
}

// ProcessCompiler runs a compiler command to completion on every Compile
type ProcessCompiler struct {
	config Config
	logger *zap.Logger
}

// ParseCommand splits a command line such as "node_modules/.bin/rescript build -with-deps"
func ParseCommand(line string) (string, []string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty compiler command")
	}
	return fields[0], fields[1:], nil
}

// New creates a compiler for config
func New(config Config) *ProcessCompiler {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &ProcessCompiler{
		config: config,
		logger: logger.OrNamed(config.Logger, "compiler"),
	}
}

// Name returns the compiler executable name
func (c *ProcessCompiler) Name() string {
	return filepath.Base(c.config.Command)
}

// Compile runs the compiler and returns an error unless it exits with status 0.
// Cancelling ctx terminates the compiler and its children.
func (c *ProcessCompiler) Compile(ctx context.Context) error {
	cmd := c.lumiCommand(ctx)

	start := time.Now()
	var err error
	if c.config.TTY {
		err = runWithPTY(cmd, c.config.Output)
		if stderrors.Is(err, errPTYUnavailable) {
			c.logger.Debug("Pseudo terminal unavailable, using pipes")
			cmd = c.lumiCommand(ctx)
			err = c.lumiRunPiped(cmd)
		}
	} else {
		err = c.lumiRunPiped(cmd)
	}

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("compiler interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with status %d", c.Name(), exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run %s: %w", c.Name(), err)
	}

	c.logger.Debug("Compiler finished", zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *ProcessCompiler) lumiRunPiped(cmd *exec.Cmd) error {
	cmd.Stdout = c.config.Output
	cmd.Stderr = c.config.Output
	return cmd.Run()
}

func (c *ProcessCompiler) lumiCommand(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.lumiResolve(), c.config.Args...)
	cmd.Dir = c.config.Dir
	cmd.Env = append(os.Environ(), c.config.Env...)
	cmd.WaitDelay = 5 * time.Second
	prepareProcess(cmd)
	return cmd
}

// lumiResolve makes a relative command path with a separator relative to Dir
func (c *ProcessCompiler) lumiResolve() string {
	command := c.config.Command
	if filepath.IsAbs(command) || !strings.ContainsRune(filepath.ToSlash(command), '/') {
		return command
	}
	return filepath.Join(c.config.Dir, command)
}
