// Package cli defines the sadguard command tree.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sadguard/sadguard/internal/config"
	"github.com/sadguard/sadguard/internal/logging"
)

var (
	verbose    bool
	configPath string
	appConfig  *config.Config

	rootCmd = &cobra.Command{
		Use:   "sadguard",
		Short: "PR sandbox runner and LLM review bot",
		Long: `SadGuard receives pull request webhooks, runs each PR's tests in a
disposable container under network observation, and posts iterative
LLM reviews of the diff and the sandbox results back to the PR.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.sadguard/config.json)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Setup(verbose)

		cfg, err := config.Load(configPath)
		if err != nil {
			slog.Warn("failed to load config, using defaults", "error", err)
			defaultCfg := config.DefaultConfig()
			cfg = &defaultCfg
		}
		appConfig = cfg
	}
}

func Execute() error {
	return rootCmd.Execute()
}
