package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustvmm/ci/internal/codeowners"
	"github.com/rustvmm/ci/internal/settings"
)

func codeownersCmd() *cobra.Command {
	var (
		org            string
		repos          []string
		days           int
		until          string
		rateLimit      float64
		includeCommits bool
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "codeowners",
		Short: "Audit repositories for codeowners with no recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := settings.NewSettings()
			if env.GithubToken == "" {
				log.Printf("warning: %s is not set, the GitHub API rate limits will bite", settings.EnvGithubToken)
			}

			untilDate := time.Now().UTC().Truncate(24 * time.Hour)
			if until != "" {
				var err error
				untilDate, err = time.Parse("2006-01-02", until)
				if err != nil {
					return fmt.Errorf("invalid --until date %q, use YYYY-MM-DD", until)
				}
			}

			opts := codeowners.Options{
				Org:            org,
				Repos:          repos,
				Since:          untilDate.AddDate(0, 0, -days),
				Until:          untilDate,
				IncludeCommits: includeCommits,
				Verbose:        verbose,
			}
			client := codeowners.NewClient(env.GithubToken, rateLimit)
			auditor := codeowners.NewAuditor(client, cmd.OutOrStdout())

			code, err := auditor.Run(cmd.Context(), opts)
			if err != nil {
				log.Println(err)
				os.Exit(2)
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "rust-vmm", "GitHub organization to audit")
	cmd.Flags().StringSliceVar(&repos, "repos", nil, "repositories to audit, defaults to all of them")
	cmd.Flags().IntVar(&days, "days", 365, "length of the activity window in days")
	cmd.Flags().StringVar(&until, "until", "", "end of the activity window as YYYY-MM-DD, defaults to today")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 1, "seconds to wait between GitHub API requests")
	cmd.Flags().BoolVar(&includeCommits, "include-commits", false, "count commits as activity too")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print per-request debug output")
	return cmd
}
