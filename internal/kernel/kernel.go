// Package kernel binds a numeric kernel to the sweep engine. A kernel is
// described by a CUE manifest (annotated source, staged data files,
// operator table, toolchain argv templates); the manifest-driven Adapter
// implements the capability interface the scheduler depends on.
package kernel

import (
	"context"

	"github.com/axlab/axsweep/internal/ledger"
	"github.com/axlab/axsweep/internal/pipeline"
	"github.com/axlab/axsweep/internal/variant"
	"github.com/axlab/axsweep/internal/workspace"
)

// Kernel is the capability surface between a kernel and the scheduler:
// four operations plus identity. The scheduler never sees manifests,
// source text, or toolchains.
type Kernel interface {
	Name() string

	// Prepare stages the kernel's inputs, header, and auxiliary files
	// into the workspace so a run directory is self-contained.
	Prepare(ctx context.Context, ws *workspace.Workspace) error

	// GenerateVariants parses the annotated source into candidate sites
	// and returns the enumeration plan. Parse failures are fatal for the
	// source file.
	GenerateVariants(ctx context.Context, ws *workspace.Workspace) (*Plan, error)

	// PendingVariants streams the not-yet-terminal specs for the plan in
	// deterministic enumeration order, given the ledger's checkpoint
	// snapshot. The stream yields admitted work and prune decisions;
	// already-terminal specs are not re-emitted.
	PendingVariants(ctx context.Context, plan *Plan, snap ledger.Checkpoint) (*Stream, error)

	// SimulateVariant materializes one reserved variant and runs it
	// through the pipeline, returning its artifacts and parsed output.
	SimulateVariant(ctx context.Context, ws *workspace.Workspace, job Job) (*Result, error)
}

// Plan is the parse product GenerateVariants hands the scheduler: the
// source identity the ledger is keyed by, the annotated text, and the
// candidate sites in ordinal order.
type Plan struct {
	SourceID   variant.ID
	SourcePath string
	Text       string
	Sites      []variant.Site
}

// SiteCount is the number of candidate sites, the bit width of every spec
// in this plan.
func (p *Plan) SiteCount() int { return len(p.Sites) }

// Candidate is one enumerated spec with the pruner's decision attached.
// VerdictAccept candidates are dispatched; prune verdicts are recorded
// through the tracker with Reason.
type Candidate struct {
	ID      variant.ID
	Spec    variant.Spec
	Seq     int64
	Verdict variant.Verdict
	Reason  string
}

// Stream is a pull-based candidate sequence. Not safe for concurrent use;
// the scheduler's producer goroutine is the only caller.
type Stream struct {
	next func() (Candidate, bool)
}

// NewStream wraps a pull function as a Stream.
func NewStream(next func() (Candidate, bool)) *Stream {
	return &Stream{next: next}
}

// Next returns the next actionable candidate. ok is false when the
// enumeration is exhausted.
func (s *Stream) Next() (Candidate, bool) {
	return s.next()
}

// Job is one reserved variant ready for execution.
type Job struct {
	ID   variant.ID
	Spec variant.Spec
	Seq  int64

	// Reference marks the all-exact variant whose output becomes the
	// error baseline.
	Reference bool
}

// Result is the execution product for one variant. Output is the parsed
// simulator output series, nil when it could not be read; the caveat then
// rides in Report.Notes and the variant stays success with metrics
// unavailable.
type Result struct {
	Artifacts ledger.Artifacts
	Output    []float64
	Report    pipeline.Report
}
