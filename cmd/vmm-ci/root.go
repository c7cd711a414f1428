package main

import (
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "vmm-ci",
		Short:        "CI tooling shared by the rust-vmm repositories",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		pipelineCmd(),
		testCmd(),
		codeownersCmd(),
		genCmd(),
	)
	return cmd
}
