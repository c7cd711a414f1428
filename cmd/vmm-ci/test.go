package main

import (
	"github.com/spf13/cobra"

	"github.com/rustvmm/ci/internal/runner"
)

func testCmd() *cobra.Command {
	var opts runner.Options

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run the tests from a JSON test description on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runner.Run(opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.TestDescription, "test-description", "t",
		".buildkite/test_description.json", "path to the JSON test description")
	cmd.Flags().StringVar(&opts.LogDir, "log-dir", "", "directory to capture per-test logs in")
	cmd.Flags().BoolVar(&opts.ArchiveLogs, "archive-logs", false, "zip the run's log directory when done")
	return cmd
}
