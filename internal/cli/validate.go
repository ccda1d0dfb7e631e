package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/axlab/axsweep/internal/kernel"
	"github.com/axlab/axsweep/internal/source"
)

// SiteReport describes one annotated site found in a kernel source.
type SiteReport struct {
	Ordinal int    `json:"ordinal"`
	Line    int    `json:"line"`
	Kind    string `json:"kind"`
	Expr    string `json:"expr"`
}

// KernelReport is the validation outcome for one kernel.
type KernelReport struct {
	Name   string       `json:"name"`
	Source string       `json:"source"`
	Sites  []SiteReport `json:"sites,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool           `json:"valid"`
	Kernels []KernelReport `json:"kernels,omitempty"`
	Errors  []LoadIssue    `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Kernels string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [kernel]",
		Short: "Check kernel manifests and annotations without sweeping",
		Long: `Validate kernel manifests and their annotated sources without running
anything.

Loads every manifest in the kernel directory, parses each kernel's
annotations, and checks that the operator table covers every site and
that the input, header, and staged files exist. With a kernel name only
that kernel is checked. All problems are reported, not just the first.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return runValidate(opts, target, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kernels, "kernels", "kernels", "directory of kernel manifests")

	return cmd
}

func runValidate(opts *ValidateOptions, target string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	specs, issues, err := collectManifests(opts.Kernels)
	if err != nil {
		return outputValidateError(formatter, ErrCodeNotFound, err.Error(), nil)
	}

	if target != "" {
		spec, ok := specs[target]
		if !ok {
			// The manifest may exist but have failed to load; keep its
			// issues visible instead of masking them with "unknown".
			if len(issues) == 0 {
				return outputValidateError(formatter, ErrCodeKernel,
					fmt.Sprintf("unknown kernel %q in %s", target, opts.Kernels), nil)
			}
			specs = map[string]*kernel.Spec{}
		} else {
			specs = map[string]*kernel.Spec{target: spec}
		}
	}

	var kernels []KernelReport
	for _, name := range sortedKernelNames(specs) {
		spec := specs[name]
		formatter.VerboseLog("Validating kernel: %s", name)

		report, kernelIssues := checkKernel(spec)
		kernels = append(kernels, report)
		issues = append(issues, kernelIssues...)
	}

	if len(issues) > 0 {
		return outputValidationIssues(formatter, kernels, issues)
	}
	return outputValidateSuccess(formatter, kernels)
}

// checkKernel verifies one kernel's annotated source and supporting files.
func checkKernel(spec *kernel.Spec) (KernelReport, []LoadIssue) {
	report := KernelReport{Name: spec.Name, Source: spec.Source}
	var issues []LoadIssue

	issue := func(code, msg string, line int) {
		issues = append(issues, LoadIssue{Kernel: spec.Name, Code: code, Message: msg, Line: line})
	}

	data, err := os.ReadFile(spec.Source)
	if err != nil {
		issue(ErrCodeSourceRead, fmt.Sprintf("kernel source: %v", err), 0)
		return report, issues
	}

	sites, err := source.Parse(string(data), source.Options{
		Marker:       spec.Marker,
		DefaultClass: spec.Class,
	})
	if err != nil {
		var perr *source.ParseError
		if errors.As(err, &perr) {
			issue(ErrCodeBadSite, perr.Message, perr.Line)
		} else {
			issue(ErrCodeBadSite, err.Error(), 0)
		}
		return report, issues
	}
	if len(sites) == 0 {
		issue(ErrCodeNoSites, fmt.Sprintf("%s has no annotated sites", spec.Source), 0)
		return report, issues
	}

	for _, s := range sites {
		report.Sites = append(report.Sites, SiteReport{
			Ordinal: s.Ordinal,
			Line:    s.Line,
			Kind:    s.Kind.String(),
			Expr:    s.Expr,
		})
	}

	if err := spec.Operators.Validate(sites); err != nil {
		issue(ErrCodeOperators, err.Error(), 0)
	}

	staged := make([]string, 0, 2+len(spec.Stage))
	if spec.Input != "" {
		staged = append(staged, spec.Input)
	}
	if spec.Header != "" {
		staged = append(staged, spec.Header)
	}
	staged = append(staged, spec.Stage...)
	for _, path := range staged {
		if _, err := os.Stat(path); err != nil {
			issue(ErrCodeStagedFile, fmt.Sprintf("staged file: %v", err), 0)
		}
	}

	return report, issues
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, kernels []KernelReport) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Kernels: kernels})
	}

	fmt.Fprintf(formatter.Writer, "✓ %d kernel(s) valid\n", len(kernels))
	for _, k := range kernels {
		fmt.Fprintf(formatter.Writer, "  %s: %d sites (%s)\n", k.Name, len(k.Sites), siteBreakdown(k.Sites))
	}
	return nil
}

// siteBreakdown summarizes the sites by operation kind, e.g.
// "2 float-add, 1 float-mul".
func siteBreakdown(sites []SiteReport) string {
	counts := make(map[string]int)
	for _, s := range sites {
		counts[s.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	out := ""
	for i, kind := range kinds {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d %s", counts[kind], kind)
	}
	return out
}

// outputValidateError outputs a single command-level error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Bad directory or unknown kernel name is a usage error (exit code 2)
	return NewExitError(ExitUsage, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationIssues outputs the collected validation problems.
func outputValidationIssues(formatter *OutputFormatter, kernels []KernelReport, issues []LoadIssue) error {
	if formatter.Format == "json" {
		result := ValidationResult{
			Valid:   false,
			Kernels: kernels,
			Errors:  issues,
		}

		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		where := issue.Kernel
		if where == "" {
			where = issue.File
		}
		if issue.Line > 0 {
			where = fmt.Sprintf("%s line %d", where, issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", issue.Code, where, issue.Message)
	}
	fmt.Fprintln(formatter.Writer)

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
