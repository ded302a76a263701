package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sadguard/sadguard/internal/server"
)

var (
	serveDaemonFlag  bool
	serveStopFlag    bool
	serveStatusFlag  bool
	serveInstallFlag bool
	serveTunnelFlag  bool
	serveListenFlag  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Long: `Start the webhook server in the foreground, or manage the background
daemon with --daemon, --stop, and --status.`,
	Example: `  sadguard serve
  sadguard serve --daemon
  sadguard serve --stop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case serveStopFlag:
			if err := server.StopDaemon(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil

		case serveStatusFlag:
			running, pid, uptime, err := server.DaemonStatus()
			if err != nil {
				return err
			}
			if running {
				fmt.Fprintf(cmd.OutOrStdout(), "daemon is running (PID %d, uptime %s)\n", pid, uptime.Round(time.Second))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
			}
			return nil

		case serveInstallFlag:
			return server.InstallSystemdService()
		}

		return server.StartDaemon(serveListenFlag, configPath, !serveDaemonFlag, serveTunnelFlag)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDaemonFlag, "daemon", false, "Fork into the background")
	serveCmd.Flags().BoolVar(&serveStopFlag, "stop", false, "Stop the running daemon")
	serveCmd.Flags().BoolVar(&serveStatusFlag, "status", false, "Show daemon status")
	serveCmd.Flags().BoolVar(&serveInstallFlag, "install", false, "Install as a systemd user service")
	serveCmd.Flags().BoolVar(&serveTunnelFlag, "tunnel", false, "Expose the webhook port through a devtunnel (development)")
	serveCmd.Flags().StringVar(&serveListenFlag, "listen", "", "Listen address (default from config, :3000)")
	rootCmd.AddCommand(serveCmd)
}
