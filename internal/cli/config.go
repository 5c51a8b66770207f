package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/lumidev/lumidev/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved lumidev configuration",
	Long: `Inspect the configuration lumidev resolves for the project, after merging
defaults, lumidev.yaml, package.json, LUMIDEV_* variables and flags.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show [override-json]",
	Short: "Display the resolved configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigShow,
}

var configWatchCmd = &cobra.Command{
	Use:   "watch [override-json]",
	Short: "Display the watch expression and build configuration files",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigWatch,
}

func init() {
	configShowCmd.Flags().Bool("json", false, "Output in JSON format")
	configShowCmd.Flags().Bool("validate", true, "Validate the configuration")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configWatchCmd)
}

func overrideArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return ""
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, overrideArg(args))
	if err != nil {
		return err
	}
	if validate, _ := cmd.Flags().GetBool("validate"); validate {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	return printConfig(cmd.OutOrStdout(), cfg, jsonOutput || !isTerminal(cmd.OutOrStdout()))
}

func printConfig(w io.Writer, cfg *config.Config, asJSON bool) error {
	if asJSON {
		return writeJSON(w, cfg)
	}

	if cfg.ConfigFile != "" {
		fmt.Fprintf(w, "# %s\n", cfg.ConfigFile)
	} else {
		fmt.Fprintf(w, "# no %s, defaults and package.json only\n", config.FileName)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return enc.Close()
}

// watchDescription is what the watch session is established with
type watchDescription struct {
	Root        string          `json:"root"`
	Expression  json.RawMessage `json:"expression"`
	ConfigFiles []string        `json:"config_files"`
}

func runConfigWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, overrideArg(args))
	if err != nil {
		return err
	}

	expr, err := json.Marshal(cfg.Rules().Compile())
	if err != nil {
		return fmt.Errorf("failed to encode watch expression: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), watchDescription{
		Root:        cfg.WorkspaceRoot,
		Expression:  expr,
		ConfigFiles: cfg.BuildConfigFiles(),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}
