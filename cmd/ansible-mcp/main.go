package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"ansible-mcp/internal/infra/config"
)

var (
	cfg *config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load (default: $ANSIBLEMCP_CONFIG or config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")

	// errors are logged below, never printed by cobra
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = loadConfig

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		slog.Error("ansible-mcp failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "ansible-mcp",
	Short:        "Run Ansible ad-hoc commands and playbooks over MCP, REST and SSE",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// the version command works without a config file
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "ansible-mcp: no build info")
			return nil
		}
		fmt.Fprintf(out, "ansible-mcp %s (%s)\n", info.Main.Version, info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.time", "vcs.modified":
				fmt.Fprintf(out, "  %s: %s\n", s.Key, s.Value)
			}
		}
		return nil
	},
}

// configPath resolves --config, then $ANSIBLEMCP_CONFIG, then config.yaml.
func configPath() string {
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	if p := os.Getenv("ANSIBLEMCP_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func loadConfig(*cobra.Command, []string) error {
	loaded, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if flagVerbose {
		loaded.Logger.Level = "debug"
	}
	cfg = loaded
	return nil
}

// exitError makes the process exit with code without logging anything.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
