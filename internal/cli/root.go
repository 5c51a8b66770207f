// Package cli implements the command-line interface for lumidev
package cli

import (
	"fmt"

	"github.com/lumidev/lumidev/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	projectDir  string
	verboseMode bool
	version     = "dev"
	buildDate   = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lumidev",
	Short: "lumidev - ReScript dev server with live reload",
	Long: `lumidev compiles a ReScript project, bundles it with esbuild and serves
it with live reload.

While watching, every relevant file change triggers compile and bundle. Bursts
of changes during a build collapse into a single follow-up build, and connected
browsers reload once the bundle is written.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, bd string) {
	version = v
	buildDate = bd
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildDate)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <project>/lumidev.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "project directory (default is the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verboseMode, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
}

// flagBinding maps a config key to a command flag
type flagBinding struct {
	key  string
	flag string
}

// loadConfig resolves the project configuration with the command's flags as
// the top layer
func loadConfig(cmd *cobra.Command, override string, bindings ...flagBinding) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		Root:       projectDir,
		ConfigFile: cfgFile,
		Override:   override,
		Bind: func(v *viper.Viper) error {
			for _, b := range bindings {
				f := cmd.Flags().Lookup(b.flag)
				if f == nil {
					continue
				}
				if err := v.BindPFlag(b.key, f); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
