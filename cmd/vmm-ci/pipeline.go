package main

import (
	"github.com/spf13/cobra"

	"github.com/rustvmm/ci/internal/pipeline"
	"github.com/rustvmm/ci/internal/settings"
)

func pipelineCmd() *cobra.Command {
	var testDescription string

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Generate the Buildkite pipeline from a JSON test description",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipeline.Generate(testDescription, settings.NewSettings(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&testDescription, "test-description", "t",
		".buildkite/test_description.json", "path to the JSON test description")
	return cmd
}
