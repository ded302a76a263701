package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/sadguard/sadguard/internal/config"
	"github.com/sadguard/sadguard/internal/server"
)

var (
	runsRepoFlag  string
	runsLimitFlag int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sandbox runs for a repository",
	Example: `  sadguard runs --repo octo/widgets
  sadguard runs --repo octo/widgets --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := config.DatabaseFromEnv()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := server.OpenStore(ctx, env)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, runsRepoFlag, runsLimitFlag)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
		cellStyle := lipgloss.NewStyle().Padding(0, 1)

		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
			Headers("ID", "PR", "STATUS", "EXIT", "STARTED", "DURATION", "IMAGE").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})

		for _, r := range runs {
			exit := "-"
			if r.ExitCode != nil {
				exit = strconv.Itoa(*r.ExitCode)
			}
			duration := "-"
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.CreatedAt).Round(time.Second).String()
			}
			t = t.Row(
				strconv.FormatInt(r.ID, 10),
				strconv.Itoa(r.PRNumber),
				string(r.RunStatus),
				exit,
				r.CreatedAt.Local().Format("2006-01-02 15:04"),
				duration,
				r.ImageName,
			)
		}

		fmt.Fprintln(cmd.OutOrStdout(), t.String())
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsRepoFlag, "repo", "", "Repository as owner/name (required)")
	runsCmd.Flags().IntVar(&runsLimitFlag, "limit", 20, "Maximum rows to show")
	_ = runsCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(runsCmd)
}
