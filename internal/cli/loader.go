package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/axlab/axsweep/internal/config"
	"github.com/axlab/axsweep/internal/kernel"
)

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeConfig      = "E002" // Sweep configuration invalid
	ErrCodeManifest    = "E003" // Kernel manifest failed to load
	ErrCodeKernel      = "E004" // Kernel name not found in manifest directory
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeLedger      = "E006" // Ledger open or query failed
	ErrCodeWriteFailed = "E007" // File write error

	// Annotation validation errors
	ErrCodeNoSites    = "E101" // Source has no annotated sites
	ErrCodeBadSite    = "E102" // Annotation could not be parsed
	ErrCodeOperators  = "E103" // Operator table lacks a replacement for a site
	ErrCodeSourceRead = "E104" // Kernel source unreadable
	ErrCodeStagedFile = "E105" // Input, header, or staged file missing
)

// LoadIssue is one problem found while loading manifests or checking a
// kernel's annotations. Line is 1-based and refers to File when File is
// set, otherwise to the kernel source.
type LoadIssue struct {
	Kernel  string `json:"kernel,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// collectManifests loads every .cue manifest under dir individually,
// collecting per-file errors instead of stopping at the first. A kernel
// name defined by two files is reported against the second file. The
// returned specs are keyed by kernel name and only contain kernels whose
// manifest loaded cleanly.
//
// Unlike kernel.LoadDir this never fails on manifest content; it returns
// an error only when the directory itself cannot be read.
func collectManifests(dir string) (map[string]*kernel.Spec, []LoadIssue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading kernel directory: %w", err)
	}

	specs := make(map[string]*kernel.Spec)
	definedIn := make(map[string]string)
	var issues []LoadIssue

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".cue" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		reg, err := kernel.LoadFile(path)
		if err != nil {
			issues = append(issues, manifestIssue(path, err))
			continue
		}
		for _, spec := range reg {
			name := spec.Name
			if prev, ok := definedIn[name]; ok {
				issues = append(issues, LoadIssue{
					Kernel:  name,
					File:    path,
					Code:    ErrCodeManifest,
					Message: fmt.Sprintf("kernel %q already defined in %s", name, prev),
				})
				continue
			}
			specs[name] = spec
			definedIn[name] = path
		}
	}

	if len(specs) == 0 && len(issues) == 0 {
		issues = append(issues, LoadIssue{
			File:    dir,
			Code:    ErrCodeManifest,
			Message: fmt.Sprintf("no kernel manifests found in %s", dir),
		})
	}
	return specs, issues, nil
}

// manifestIssue converts a manifest load error to a LoadIssue with
// position info when the error carries one.
func manifestIssue(path string, err error) LoadIssue {
	var merr *kernel.ManifestError
	if errors.As(err, &merr) {
		issue := LoadIssue{
			File:    path,
			Code:    ErrCodeManifest,
			Message: merr.Message,
		}
		if merr.Field != "" {
			issue.Message = merr.Field + ": " + merr.Message
		}
		if merr.Pos.IsValid() {
			issue.Line = merr.Pos.Line()
		}
		return issue
	}
	return LoadIssue{File: path, Code: ErrCodeManifest, Message: err.Error()}
}

// sortedKernelNames returns the spec map's keys in lexical order so text
// and JSON output are stable.
func sortedKernelNames(specs map[string]*kernel.Spec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loadSweepConfig loads the YAML sweep file when a path is given,
// otherwise the defaults. Flag overrides are applied by the caller.
func loadSweepConfig(path string) (config.Sweep, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// resolveKernel loads the manifest directory fail-fast and returns the
// named kernel. Both failure modes are usage errors: a broken manifest
// directory or a kernel name the directory does not define.
func resolveKernel(dir, name string) (*kernel.Spec, error) {
	reg, err := kernel.LoadDir(dir)
	if err != nil {
		return nil, WrapExitError(ExitUsage, "failed to load kernel manifests", err)
	}
	spec, ok := reg.Get(name)
	if !ok {
		return nil, NewExitError(ExitUsage, fmt.Sprintf("unknown kernel %q: directory %s defines %s",
			name, dir, strings.Join(reg.Names(), ", ")))
	}
	return spec, nil
}
