// Command affinedump classifies the values of a kernel description by
// warp affinity and prints the result.
//
// Usage:
//
//	affinedump [--arch profile.yaml] [--verbose] kernel.yaml
//
// The kernel description lists the function's value graph and which
// graph values are the target's special per-thread arguments. The
// architecture profile overrides the built-in per-argument variance
// table.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stjordanis/gpuocelot/internal/arch"
	"github.com/stjordanis/gpuocelot/internal/ir"
	"github.com/stjordanis/gpuocelot/internal/kernel"
	"github.com/stjordanis/gpuocelot/pkg/affinity"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		archFile string
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:           "affinedump <kernel.yaml>",
		Short:         "Classify kernel values as thread-invariant, affine or variant",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], archFile, verbose)
		},
	}

	cmd.Flags().StringVar(&archFile, "arch", "", "architecture profile file (default: built-in profile)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the classification decision trace")

	return cmd
}

func run(cmd *cobra.Command, kernelFile, archFile string, verbose bool) error {
	profile := arch.Default()
	if archFile != "" {
		var err error
		profile, err = arch.Load(archFile)
		if err != nil {
			return fmt.Errorf("loading architecture profile: %w", err)
		}
	}

	snap, err := kernel.Load(kernelFile)
	if err != nil {
		return fmt.Errorf("loading kernel: %w", err)
	}

	opts := affinity.Options{Profile: &profile}
	if verbose {
		opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	analysis := affinity.New(snap, opts)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "kernel %s (%s, %d values)\n\n", snap.Name, profile.Name, snap.Graph.Len())
	for h := ir.Handle(0); int(h) < snap.Graph.Len(); h++ {
		fmt.Fprintf(out, "%-14s %s\n", analysis.CategoryOf(h), snap.Graph.Describe(h))
	}

	fmt.Fprintln(out)
	return analysis.WriteSets(out)
}
