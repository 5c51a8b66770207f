// Package main is the entry point for the lumidev CLI application
package main

import (
	"fmt"
	"os"

	"github.com/lumidev/lumidev/internal/cli"
	"github.com/lumidev/lumidev/pkg/errors"
	"github.com/lumidev/lumidev/pkg/logger"
	"go.uber.org/zap"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	defer logger.Sync()

	cli.SetVersionInfo(Version, BuildDate)

	if err := cli.Execute(); err != nil {
		if errors.IsFatalConfigChange(err) {
			logger.Warn("Exiting after build configuration change", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
}
