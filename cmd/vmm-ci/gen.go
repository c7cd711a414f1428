package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustvmm/ci/internal/kernel"
	"github.com/rustvmm/ci/internal/rustgen"
	"github.com/rustvmm/ci/internal/util"
)

// genCmd groups the code generators that need installed kernel headers.
func genCmd() *cobra.Command {
	var (
		arch        string
		version     string
		installPath string
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate Rust sources from kernel headers",
	}
	cmd.PersistentFlags().StringVar(&arch, "arch", "", "kernel arch to generate for, empty means all supported")
	cmd.PersistentFlags().StringVar(&version, "version", "", "kernel version to use, as X.Y or X.Y.Z")
	cmd.PersistentFlags().StringVar(&installPath, "install-path", "",
		"directory holding installed kernel headers, one <arch>_headers tree per arch")

	validateArch := func() error {
		if arch == "" {
			return nil
		}
		if _, ok := kernel.RustArch[arch]; !ok {
			return fmt.Errorf("unsupported arch %q, pick one of %v", arch, kernel.SupportedArchs)
		}
		return nil
	}

	prepare := &cobra.Command{
		Use:   "prepare",
		Short: "Download kernel sources and install their headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateArch(); err != nil {
				return err
			}
			if version == "" {
				return fmt.Errorf("--version is required")
			}
			src := kernel.NewSource(version)
			path, err := src.Prepare(cmd.Context(), arch, installPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "headers installed under %s\n", path)
			return nil
		},
	}

	var seccompilerOut string
	seccompiler := &cobra.Command{
		Use:   "seccompiler",
		Short: "Regenerate the seccompiler syscall tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateArch(); err != nil {
				return err
			}
			return forEachArch(cmd.Context(), arch, version, installPath, func(headers, a string) error {
				return rustgen.GenerateSeccompiler(headers, a, seccompilerOut)
			})
		},
	}
	seccompiler.Flags().StringVar(&seccompilerOut, "output-path", rustgen.SeccompilerSyscallDir,
		"directory the generated syscall tables are written to")

	var (
		bindingsOut string
		attribute   string
	)
	kvmBindings := &cobra.Command{
		Use:   "kvm-bindings",
		Short: "Regenerate the kvm-bindings sources with bindgen",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateArch(); err != nil {
				return err
			}
			return forEachArch(cmd.Context(), arch, version, installPath, func(headers, a string) error {
				return rustgen.GenerateKVMBindings(headers, a, attribute, bindingsOut)
			})
		},
	}
	kvmBindings.Flags().StringVar(&bindingsOut, "output-path", rustgen.KVMBindingsDir,
		"directory the generated bindings are written to")
	kvmBindings.Flags().StringVar(&attribute, "attribute", "",
		"attribute to attach to every serialized struct")

	cmd.AddCommand(prepare, seccompiler, kvmBindings)
	return cmd
}

// forEachArch resolves the installed header directory for every requested
// arch and calls fn with it. When no install path is given, kernel sources
// are prepared first into a temporary location.
func forEachArch(ctx context.Context, arch, version, installPath string, fn func(headersDir, arch string) error) error {
	if installPath == "" {
		if version == "" {
			return fmt.Errorf("either --install-path or --version is required")
		}
		src := kernel.NewSource(version)
		var err error
		installPath, err = src.Prepare(ctx, arch, "")
		if err != nil {
			return err
		}
	}

	archs := kernel.SupportedArchs
	if arch != "" {
		archs = []string{arch}
	}
	for _, a := range archs {
		headers := kernel.HeaderDir(installPath, a)
		ok, err := util.PathExists(headers)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no headers installed at %s, run `vmm-ci gen prepare` first", headers)
		}
		if err := fn(headers, a); err != nil {
			return err
		}
	}
	return nil
}
