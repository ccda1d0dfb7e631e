package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/axlab/axsweep/internal/kernel"
	"github.com/axlab/axsweep/internal/source"
	"github.com/axlab/axsweep/internal/variant"
	"github.com/axlab/axsweep/internal/workspace"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	*RootOptions
	Kernels string
	Config  string

	Storage     string
	MaxPopcount int
	MaxVariants int64
}

// GeneratedVariant describes one materialized variant source.
type GeneratedVariant struct {
	Seq      int64  `json:"seq"`
	ID       string `json:"id"`
	Bits     string `json:"bits"`
	Popcount int    `json:"popcount"`
	Source   string `json:"source"`
}

// GenerateResult is the payload printed when generation finishes.
type GenerateResult struct {
	Kernel    string             `json:"kernel"`
	SourceID  string             `json:"source_id"`
	Sites     int                `json:"sites"`
	Workspace string             `json:"workspace"`
	Count     int                `json:"count"`
	Variants  []GeneratedVariant `json:"variants"`
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate <kernel>",
		Short: "Materialize variant sources without running them",
		Long: `Materialize every variant source the sweep would dispatch, without
compiling or simulating anything.

The variant sources are written into a fresh workspace under the storage
root, named by their content-addressed ID. The enumeration ignores the
ledger; bound it with --max-popcount or --max-variants for kernels with
many sites.

Example:
  axsweep generate kinematics
  axsweep generate fft --max-popcount 2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kernels, "kernels", "kernels", "directory of kernel manifests")
	cmd.Flags().StringVar(&opts.Config, "config", "", "sweep configuration YAML")
	cmd.Flags().StringVar(&opts.Storage, "storage", "", "storage root for generated sources")
	cmd.Flags().IntVar(&opts.MaxPopcount, "max-popcount", 0, "cap on simultaneous approximations (-1 = unbounded)")
	cmd.Flags().Int64Var(&opts.MaxVariants, "max-variants", 0, "cap on total enumerated variants (0 = unbounded)")

	return cmd
}

func runGenerate(opts *GenerateOptions, name string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadSweepConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitUsage, "invalid sweep config", err)
	}
	flags := cmd.Flags()
	if flags.Changed("storage") {
		cfg.StorageRoot = opts.Storage
	}
	if flags.Changed("max-popcount") {
		cfg.MaxPopcount = opts.MaxPopcount
	}
	if flags.Changed("max-variants") {
		cfg.MaxVariants = opts.MaxVariants
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitUsage, "invalid sweep config", err)
	}

	spec, err := resolveKernel(opts.Kernels, name)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ws, err := workspace.Create(cfg.StorageRoot, spec.Name, "generate", cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create workspace", err)
	}

	adapter := kernel.NewAdapter(spec, cfg)
	plan, err := adapter.GenerateVariants(ctx, ws)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to plan variants", err)
	}
	formatter.VerboseLog("source %s: %d sites", plan.SourceID.Short(), plan.SiteCount())

	result := GenerateResult{
		Kernel:    spec.Name,
		SourceID:  string(plan.SourceID),
		Sites:     plan.SiteCount(),
		Workspace: ws.Root,
	}

	enum := variant.NewEnumerator(plan.SiteCount(), cfg.Policy())
	for {
		vspec, seq, ok := enum.Next()
		if !ok {
			break
		}
		id := variant.ComputeID(plan.SourceID, vspec)

		text, err := source.Materialize(plan.Text, plan.Sites, vspec, spec.Operators)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("materialize variant %s", id.Short()), err)
		}
		paths := ws.Variant(plan.SourcePath, id)
		if err := os.WriteFile(paths.Source, []byte(text), 0o644); err != nil {
			return WrapExitError(ExitFailure, "write variant source", err)
		}

		result.Variants = append(result.Variants, GeneratedVariant{
			Seq:      seq,
			ID:       string(id),
			Bits:     vspec.String(),
			Popcount: vspec.Popcount(),
			Source:   ws.Rel(paths.Source),
		})
	}
	result.Count = len(result.Variants)

	return outputGenerateResult(formatter, result)
}

func outputGenerateResult(f *OutputFormatter, res GenerateResult) error {
	if f.Format == "json" {
		return f.Success(res)
	}

	fmt.Fprintf(f.Writer, "Generated %d variant sources for kernel %s (source %s, %d sites)\n",
		res.Count, res.Kernel, shortID(res.SourceID), res.Sites)
	fmt.Fprintf(f.Writer, "  workspace: %s\n\n", res.Workspace)

	bw := len("BITS")
	for _, v := range res.Variants {
		if len(v.Bits) > bw {
			bw = len(v.Bits)
		}
	}
	fmt.Fprintf(f.Writer, "  %-4s %-*s %-12s %3s  %s\n", "SEQ", bw, "BITS", "ID", "POP", "SOURCE")
	for _, v := range res.Variants {
		fmt.Fprintf(f.Writer, "  %-4d %-*s %-12s %3d  %s\n",
			v.Seq, bw, v.Bits, shortID(v.ID), v.Popcount, v.Source)
	}
	return nil
}
