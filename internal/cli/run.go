package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/axlab/axsweep/internal/kernel"
	"github.com/axlab/axsweep/internal/ledger"
	"github.com/axlab/axsweep/internal/sched"
	"github.com/axlab/axsweep/internal/variant"
	"github.com/axlab/axsweep/internal/workspace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Kernels string
	Config  string

	Storage       string
	Workers       int
	Retries       int
	MaxPopcount   int
	MaxVariants   int64
	ErrorBudget   float64
	FailureStreak int
	Force         bool
}

// ResumeSummary reports what the ledger already held when the sweep
// started.
type ResumeSummary struct {
	AlreadySuccess  int `json:"already_success"`
	AlreadyFailed   int `json:"already_failed"`
	AlreadyPruned   int `json:"already_pruned"`
	ResetFromOrphan int `json:"reset_from_orphan"`
}

// RunResult is the sweep summary printed when a run finishes.
type RunResult struct {
	Kernel      string        `json:"kernel"`
	SourceID    string        `json:"source_id"`
	Sites       int           `json:"sites"`
	Mode        string        `json:"mode"`
	Workers     int           `json:"workers"`
	Workspace   string        `json:"workspace"`
	Ledger      string        `json:"ledger"`
	Resume      ResumeSummary `json:"resume"`
	Dispatched  int           `json:"dispatched"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Pruned      int           `json:"pruned"`
	Halted      bool          `json:"halted,omitempty"`
	HaltReason  string        `json:"halt_reason,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <kernel>",
		Short: "Sweep a kernel's approximation space",
		Long: `Sweep the named kernel: enumerate variants, compile and simulate each
one, measure its error against the exact baseline, and record everything
in the kernel's ledger.

The sweep resumes automatically: variants the ledger already settled are
not re-run unless --force is given. The first interrupt drains in-flight
variants and records a checkpoint; a second interrupt aborts immediately
and leaves the in-flight variants for the next run's orphan reset.

Flags override the sweep file only when set on the command line.

Example:
  axsweep run kinematics
  axsweep run fft --config sweep.yaml --workers 8
  axsweep run sobel --error-budget 0.01 --max-popcount 3`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kernels, "kernels", "kernels", "directory of kernel manifests")
	cmd.Flags().StringVar(&opts.Config, "config", "", "sweep configuration YAML")
	cmd.Flags().StringVar(&opts.Storage, "storage", "", "storage root for ledger and artifacts")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "worker pool size (0 = one fewer than CPU count)")
	cmd.Flags().IntVar(&opts.Retries, "retries", 0, "re-attempts per failed compile or simulate")
	cmd.Flags().IntVar(&opts.MaxPopcount, "max-popcount", 0, "cap on simultaneous approximations (-1 = unbounded)")
	cmd.Flags().Int64Var(&opts.MaxVariants, "max-variants", 0, "cap on total enumerated variants (0 = unbounded)")
	cmd.Flags().Float64Var(&opts.ErrorBudget, "error-budget", 0, "RMSE budget enabling threshold pruning (0 = exhaustive)")
	cmd.Flags().IntVar(&opts.FailureStreak, "failure-streak", 0, "halt after this many consecutive failures")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "re-run variants the ledger already settled")

	return cmd
}

func runSweep(opts *RunOptions, name string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	cfg, err := loadSweepConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitUsage, "invalid sweep config", err)
	}
	flags := cmd.Flags()
	if flags.Changed("storage") {
		cfg.StorageRoot = opts.Storage
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.Workers
	}
	if flags.Changed("retries") {
		cfg.Retries = opts.Retries
	}
	if flags.Changed("max-popcount") {
		cfg.MaxPopcount = opts.MaxPopcount
	}
	if flags.Changed("max-variants") {
		cfg.MaxVariants = opts.MaxVariants
	}
	if flags.Changed("error-budget") {
		cfg.ErrorBudget = opts.ErrorBudget
	}
	if flags.Changed("failure-streak") {
		cfg.FailureStreak = opts.FailureStreak
	}
	if flags.Changed("force") {
		cfg.Force = opts.Force
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitUsage, "invalid sweep config", err)
	}

	spec, err := resolveKernel(opts.Kernels, name)
	if err != nil {
		return err
	}
	slog.Info("kernel loaded", "kernel", spec.Name, "source", spec.Source)

	ledgerPath := cfg.LedgerPath(spec.Name)
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open sweep ledger", err)
	}
	defer func() {
		if closeErr := led.Close(); closeErr != nil {
			slog.Error("error closing ledger", "error", closeErr)
		}
	}()

	ws, err := workspace.Create(cfg.StorageRoot, spec.Name, cfg.Mode(), cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create workspace", err)
	}
	slog.Info("workspace ready", "root", ws.Root)

	veto := &variant.SupersetVeto{}
	adapter := kernel.NewAdapter(spec, cfg,
		kernel.WithAdmission(veto.Admit),
		kernel.WithLogger(slog.Default()))
	s := sched.New(led, adapter, ws, cfg,
		sched.WithVeto(veto),
		sched.WithLogger(slog.Default()))

	// cmd.Context is nil unless the caller ran the tree with ExecuteContext.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.Halt(fmt.Sprintf("received %s", sig))
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			slog.Warn("second signal, aborting without drain", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.Format == "text" {
		fmt.Fprintf(cmd.OutOrStdout(), "Sweeping kernel %s (%s mode, %d workers). Ctrl-C drains; twice aborts.\n",
			spec.Name, cfg.Mode(), cfg.EffectiveWorkers())
	}

	sum, runErr := s.Run(ctx)

	result := RunResult{
		Kernel:    sum.Kernel,
		SourceID:  string(sum.SourceID),
		Sites:     sum.Sites,
		Mode:      cfg.Mode(),
		Workers:   cfg.EffectiveWorkers(),
		Workspace: ws.Root,
		Ledger:    ledgerPath,
		Resume: ResumeSummary{
			AlreadySuccess:  sum.Resume.AlreadySuccess,
			AlreadyFailed:   sum.Resume.AlreadyFailed,
			AlreadyPruned:   sum.Resume.AlreadyPruned,
			ResetFromOrphan: sum.Resume.ResetFromOrphan,
		},
		Dispatched: sum.Dispatched,
		Succeeded:  sum.Succeeded,
		Failed:     sum.Failed,
		Pruned:     sum.Pruned,
		Halted:     sum.Halted,
		HaltReason: sum.HaltReason,
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			// The aborted sweep still recorded everything it settled;
			// show the partial summary before signalling failure.
			result.Interrupted = true
			_ = outputRunResult(formatter, result)
			return NewExitError(ExitFailure, "sweep aborted; run again to resume")
		}
		return WrapExitError(ExitFailure, "sweep failed", runErr)
	}

	return outputRunResult(formatter, result)
}

func outputRunResult(f *OutputFormatter, res RunResult) error {
	if f.Format == "json" {
		return f.Success(res)
	}

	fmt.Fprintf(f.Writer, "Sweep of kernel %s: source %s, %d sites\n",
		res.Kernel, shortID(res.SourceID), res.Sites)
	fmt.Fprintf(f.Writer, "  dispatched %d   succeeded %d   failed %d   pruned %d\n",
		res.Dispatched, res.Succeeded, res.Failed, res.Pruned)
	if r := res.Resume; r.AlreadySuccess+r.AlreadyFailed+r.AlreadyPruned+r.ResetFromOrphan > 0 {
		fmt.Fprintf(f.Writer, "  resumed: %d success, %d failed, %d pruned already settled; %d orphans reset\n",
			r.AlreadySuccess, r.AlreadyFailed, r.AlreadyPruned, r.ResetFromOrphan)
	}
	if res.Halted {
		fmt.Fprintf(f.Writer, "  halted: %s\n", res.HaltReason)
	}
	if res.Interrupted {
		fmt.Fprintln(f.Writer, "  aborted before the sweep finished")
	}
	fmt.Fprintf(f.Writer, "  workspace: %s\n", res.Workspace)
	fmt.Fprintf(f.Writer, "  ledger:    %s\n", res.Ledger)
	return nil
}

// shortID trims a full variant or source hash for text output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
