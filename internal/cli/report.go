package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/axlab/axsweep/internal/ledger"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Config  string
	Storage string
	Source  string
	Filter  string
	Limit   int
}

// ReportRow is one variant record in the report.
type ReportRow struct {
	Seq      int64              `json:"seq"`
	ID       string             `json:"id"`
	Bits     string             `json:"bits"`
	Popcount int                `json:"popcount"`
	Status   string             `json:"status"`
	Retries  int                `json:"retries,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Note     string             `json:"note,omitempty"`
	Output   string             `json:"output,omitempty"`
}

// ReportResult is the report command's payload.
type ReportResult struct {
	Kernel   string      `json:"kernel"`
	SourceID string      `json:"source_id"`
	Filter   string      `json:"filter,omitempty"`
	Count    int         `json:"count"`
	Rows     []ReportRow `json:"rows"`
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report <kernel>",
		Short: "Tabulate a sweep's per-variant results",
		Long: `Print the per-variant results a sweep recorded: status, error metrics,
and the prune or failure reason, in enumeration order.

Records can be filtered with whitespace-separated predicates over status,
popcount, retries, seq, and any stored metric:

  status=success
  popcount<=2 metric.rmse<0.001
  status=pruned

By default the newest source revision is reported; select an older one
with --source and a unique ID prefix.

Example:
  axsweep report kinematics
  axsweep report fft --filter 'status=success metric.rmse<0.01' --limit 20`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "sweep configuration YAML")
	cmd.Flags().StringVar(&opts.Storage, "storage", "", "storage root holding the ledger")
	cmd.Flags().StringVar(&opts.Source, "source", "", "source revision ID prefix (default: newest)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "record predicates, e.g. 'status=success metric.rmse<0.01'")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows (0 = all)")

	return cmd
}

func runReport(opts *ReportOptions, name string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	filter, err := ledger.ParseFilter(opts.Filter)
	if err != nil {
		return WrapExitError(ExitUsage, "invalid filter", err)
	}

	led, _, err := openLedgerReadOnly(opts.Config, opts.Storage, cmd, name)
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
	if len(sources) == 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("ledger for kernel %q has no recorded sweeps", name))
	}
	src, err := pickSource(sources, opts.Source)
	if err != nil {
		return err
	}

	recs, err := led.List(ctx, src.ID, filter, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to query ledger", err)
	}

	result := ReportResult{
		Kernel:   name,
		SourceID: string(src.ID),
		Filter:   opts.Filter,
		Count:    len(recs),
	}
	for _, rec := range recs {
		result.Rows = append(result.Rows, ReportRow{
			Seq:      rec.Seq,
			ID:       string(rec.ID),
			Bits:     rec.Bits,
			Popcount: rec.Popcount,
			Status:   string(rec.Status),
			Retries:  rec.Retries,
			Metrics:  rec.Metrics,
			Reason:   rec.Reason,
			Note:     rec.Note,
			Output:   rec.Artifacts.OutputPath,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	renderReportText(formatter.Writer, result)
	return nil
}

// pickSource selects a source revision by ID prefix. An empty selector
// picks the newest revision.
func pickSource(sources []ledger.SourceInfo, sel string) (ledger.SourceInfo, error) {
	if sel == "" {
		return sources[len(sources)-1], nil
	}
	var matches []ledger.SourceInfo
	for _, src := range sources {
		if strings.HasPrefix(string(src.ID), sel) {
			matches = append(matches, src)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return ledger.SourceInfo{}, NewExitError(ExitUsage, fmt.Sprintf("no source revision matches %q", sel))
	default:
		return ledger.SourceInfo{}, NewExitError(ExitUsage, fmt.Sprintf("source prefix %q is ambiguous (%d matches)", sel, len(matches)))
	}
}

// renderReportText writes the fixed-width report table. Split out from
// runReport so rendering is testable against golden files.
func renderReportText(w io.Writer, res ReportResult) {
	fmt.Fprintf(w, "kernel %s source %s: %d record(s)", res.Kernel, shortID(res.SourceID), res.Count)
	if res.Filter != "" {
		fmt.Fprintf(w, " (filter: %s)", res.Filter)
	}
	fmt.Fprintln(w)
	if len(res.Rows) == 0 {
		return
	}
	fmt.Fprintln(w)

	bw := len("BITS")
	for _, r := range res.Rows {
		if len(r.Bits) > bw {
			bw = len(r.Bits)
		}
	}

	fmt.Fprintf(w, "%-4s %-*s %-12s %-8s %9s %9s %9s %8s  %s\n",
		"SEQ", bw, "BITS", "ID", "STATUS", "RMSE", "MAE", "MAX", "ACC", "NOTE")
	for _, r := range res.Rows {
		note := r.Reason
		if note == "" {
			note = r.Note
		}
		line := fmt.Sprintf("%-4d %-*s %-12s %-8s %9s %9s %9s %8s  %s",
			r.Seq, bw, r.Bits, shortID(r.ID), r.Status,
			metricCell(r.Metrics, "rmse"),
			metricCell(r.Metrics, "mae"),
			metricCell(r.Metrics, "max_error"),
			accuracyCell(r.Metrics),
			note)
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

// metricCell formats one stored metric, or a dash when the record has
// none (pruned and failed variants carry no metrics).
func metricCell(m map[string]float64, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%.3g", v)
	}
	return "-"
}

func accuracyCell(m map[string]float64) string {
	if v, ok := m["accuracy"]; ok {
		return fmt.Sprintf("%.2f%%", v*100)
	}
	return "-"
}
