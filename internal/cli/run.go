package cli

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sadguard/sadguard/internal/config"
	"github.com/sadguard/sadguard/internal/orchestrator"
	"github.com/sadguard/sadguard/internal/platform"
	"github.com/sadguard/sadguard/internal/server"
)

var (
	runRepoFlag string
	runPRFlag   int
	runYesFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sandbox and review for one pull request",
	Long: `Fetch a pull request from the platform and drive the same pipeline a
webhook delivery would: clone, sandbox run, and LLM review. The run
posts comments to the PR, so it asks for confirmation first.`,
	Example: `  sadguard run --repo octo/widgets --pr 7
  sadguard run --repo octo/widgets --pr 7 --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, err := platform.SplitFullName(runRepoFlag)
		if err != nil {
			return err
		}
		env, err := config.FromEnv()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		deps, err := server.BuildDeps(ctx, appConfig, env)
		if err != nil {
			return err
		}
		defer deps.Close()

		// Reconstruct the inputs a webhook delivery would carry.
		sum, err := deps.Platform.PullRequest(ctx, owner, repo, runPRFlag)
		if err != nil {
			return fmt.Errorf("fetching pull request: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "PR #%d: %s (head %s)\n", sum.Number, sum.Title, sum.HeadRef)

		if !runYesFlag {
			confirmed := false
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewConfirm().
						Title(fmt.Sprintf("Run the sandbox for %s#%d and post review comments?", runRepoFlag, runPRFlag)).
						Value(&confirmed),
				),
			)
			if err := form.Run(); err != nil {
				return fmt.Errorf("confirmation cancelled: %w", err)
			}
			if !confirmed {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}

		ev := orchestrator.Event{
			Action:       "manual",
			RepoFullName: runRepoFlag,
			CloneURL:     fmt.Sprintf("https://github.com/%s.git", runRepoFlag),
			PRNumber:     sum.Number,
			Title:        sum.Title,
			Body:         sum.Body,
			URL:          sum.URL,
			HeadRef:      sum.HeadRef,
			HeadSHA:      sum.HeadSHA,
			Sender:       sum.Author,
		}
		return deps.Orchestrator.HandlePullRequest(ctx, ev)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRepoFlag, "repo", "", "Repository as owner/name (required)")
	runCmd.Flags().IntVar(&runPRFlag, "pr", 0, "Pull request number (required)")
	runCmd.Flags().BoolVar(&runYesFlag, "yes", false, "Skip the confirmation prompt")
	_ = runCmd.MarkFlagRequired("repo")
	_ = runCmd.MarkFlagRequired("pr")
	rootCmd.AddCommand(runCmd)
}
