package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/axlab/axsweep/internal/ledger"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Config  string
	Storage string
}

// SourceStatus summarizes one source revision's sweep progress.
type SourceStatus struct {
	SourceID string         `json:"source_id"`
	Path     string         `json:"path"`
	Sites    int            `json:"sites"`
	Space    int64          `json:"space,omitempty"`
	Cursor   int64          `json:"cursor"`
	Counts   map[string]int `json:"counts"`
	Settled  int            `json:"settled"`
	Orphans  int            `json:"orphans"`
	Current  bool           `json:"current,omitempty"`
}

// StatusResult is the status command's payload.
type StatusResult struct {
	Kernel  string         `json:"kernel"`
	Ledger  string         `json:"ledger"`
	Sources []SourceStatus `json:"sources"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <kernel>",
		Short: "Show a kernel's sweep progress",
		Long: `Show the ledger's view of a kernel's sweep: every recorded source
revision with its checkpoint cursor, per-status record counts, and the
running records the next run will reset to pending.

Reads the ledger only; nothing is modified.

Example:
  axsweep status kinematics
  axsweep status fft --storage /data/sweeps --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "sweep configuration YAML")
	cmd.Flags().StringVar(&opts.Storage, "storage", "", "storage root holding the ledger")

	return cmd
}

func runStatus(opts *StatusOptions, name string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	led, path, err := openLedgerReadOnly(opts.Config, opts.Storage, cmd, name)
	if err != nil {
		return err
	}
	defer led.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sources, err := led.Sources(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read ledger", err)
	}

	result := StatusResult{Kernel: name, Ledger: path}
	for i, src := range sources {
		snap, err := led.Snapshot(ctx, src.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read ledger", err)
		}
		counts := snap.Counts()

		status := SourceStatus{
			SourceID: string(src.ID),
			Path:     src.Path,
			Sites:    src.SiteCount,
			Cursor:   snap.Cursor,
			Counts:   make(map[string]int, len(counts)),
			Orphans:  counts[ledger.StatusRunning],
			Current:  i == len(sources)-1,
		}
		// 2^sites overflows int64 past 62 sites; leave Space zero there.
		if src.SiteCount < 63 {
			status.Space = int64(1) << src.SiteCount
		}
		for s, n := range counts {
			status.Counts[string(s)] = n
			if s.Terminal() {
				status.Settled += n
			}
		}
		result.Sources = append(result.Sources, status)
	}

	return outputStatusResult(formatter, result)
}

// openLedgerReadOnly opens the kernel's ledger only if it already exists.
// Opening a missing path would create an empty database as a side effect.
func openLedgerReadOnly(configPath, storage string, cmd *cobra.Command, name string) (*ledger.Ledger, string, error) {
	cfg, err := loadSweepConfig(configPath)
	if err != nil {
		return nil, "", WrapExitError(ExitUsage, "invalid sweep config", err)
	}
	if cmd.Flags().Changed("storage") {
		cfg.StorageRoot = storage
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", WrapExitError(ExitUsage, "invalid sweep config", err)
	}

	path := cfg.LedgerPath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, "", NewExitError(ExitFailure,
			fmt.Sprintf("no sweep ledger for kernel %q at %s; run a sweep first", name, path))
	}
	led, err := ledger.Open(path)
	if err != nil {
		return nil, "", WrapExitError(ExitFailure, "failed to open sweep ledger", err)
	}
	return led, path, nil
}

func outputStatusResult(f *OutputFormatter, res StatusResult) error {
	if f.Format == "json" {
		return f.Success(res)
	}

	fmt.Fprintf(f.Writer, "Kernel %s (ledger %s)\n", res.Kernel, res.Ledger)
	if len(res.Sources) == 0 {
		fmt.Fprintln(f.Writer, "  no sweeps recorded")
		return nil
	}

	for _, src := range res.Sources {
		marker := ""
		if src.Current && len(res.Sources) > 1 {
			marker = "  (current)"
		}
		fmt.Fprintf(f.Writer, "\nsource %s%s\n", shortID(src.SourceID), marker)
		fmt.Fprintf(f.Writer, "  path %s, %d sites", src.Path, src.Sites)
		if src.Space > 0 {
			fmt.Fprintf(f.Writer, ", %d variants", src.Space)
		}
		fmt.Fprintln(f.Writer)
		if src.Space > 0 {
			fmt.Fprintf(f.Writer, "  cursor %d   settled %d/%d\n", src.Cursor, src.Settled, src.Space)
		} else {
			fmt.Fprintf(f.Writer, "  cursor %d   settled %d\n", src.Cursor, src.Settled)
		}
		fmt.Fprintf(f.Writer, "  success %d   failed %d   pruned %d   running %d   pending %d\n",
			src.Counts["success"], src.Counts["failed"], src.Counts["pruned"],
			src.Counts["running"], src.Counts["pending"])
		if src.Orphans > 0 {
			fmt.Fprintf(f.Writer, "  %d running record(s) will reset to pending on the next run\n", src.Orphans)
		}
	}
	return nil
}
