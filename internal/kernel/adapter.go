package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/axlab/axsweep/internal/analysis"
	"github.com/axlab/axsweep/internal/config"
	"github.com/axlab/axsweep/internal/ledger"
	"github.com/axlab/axsweep/internal/pipeline"
	"github.com/axlab/axsweep/internal/source"
	"github.com/axlab/axsweep/internal/variant"
	"github.com/axlab/axsweep/internal/workspace"
)

// Adapter implements Kernel for a manifest-described kernel.
//
// Prepare and GenerateVariants each run once, before dispatch starts;
// SimulateVariant is then safe for concurrent workers because it only
// reads adapter state.
type Adapter struct {
	spec   *Spec
	cfg    config.Sweep
	admit  variant.AdmitFunc
	logger *slog.Logger
	runner *pipeline.Runner

	stagedInput  string
	stagedHeader string
	plan         *Plan
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdmission installs the admission policy consulted per enumerated
// spec (threshold sweeps pass a SupersetVeto's Admit here).
func WithAdmission(admit variant.AdmitFunc) AdapterOption {
	return func(a *Adapter) { a.admit = admit }
}

// WithLogger routes the adapter's and pipeline's logging.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// NewAdapter binds a manifest to the sweep configuration. Manifest tool
// timeouts win over the configured stage timeouts.
func NewAdapter(spec *Spec, cfg config.Sweep, opts ...AdapterOption) *Adapter {
	a := &Adapter{spec: spec, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.runner = &pipeline.Runner{
		Compile:     withTimeout(spec.Tools.Compile, cfg.Timeouts.Compile),
		Disassemble: withTimeout(spec.Tools.Disassemble, cfg.Timeouts.Disassemble),
		Simulate:    withTimeout(spec.Tools.Simulate, cfg.Timeouts.Simulate),
		Profile:     withTimeout(spec.Tools.Profile, cfg.Timeouts.Profile),
		Logger:      a.logger,
	}
	return a
}

func withTimeout(t pipeline.Tool, fallback time.Duration) pipeline.Tool {
	if t.Timeout == 0 {
		t.Timeout = fallback
	}
	return t
}

func (a *Adapter) Name() string { return a.spec.Name }

// Prepare stages the manifest's input, header, and extra files into the
// workspace root.
func (a *Adapter) Prepare(ctx context.Context, ws *workspace.Workspace) error {
	if a.spec.Input != "" {
		p, err := ws.Stage(a.spec.Input)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", a.spec.Name, err)
		}
		a.stagedInput = p
	}
	if a.spec.Header != "" {
		p, err := ws.Stage(a.spec.Header)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", a.spec.Name, err)
		}
		a.stagedHeader = p
	}
	for _, extra := range a.spec.Stage {
		if _, err := ws.Stage(extra); err != nil {
			return fmt.Errorf("prepare %s: %w", a.spec.Name, err)
		}
	}
	return nil
}

// GenerateVariants reads and parses the annotated source. The plan's
// SourceID is the normalized fingerprint, so cosmetic edits to the kernel
// resume the same ledger rows.
func (a *Adapter) GenerateVariants(ctx context.Context, ws *workspace.Workspace) (*Plan, error) {
	data, err := os.ReadFile(a.spec.Source)
	if err != nil {
		return nil, fmt.Errorf("read kernel source: %w", err)
	}
	text := string(data)

	opts := source.Options{Marker: a.spec.Marker, DefaultClass: a.spec.Class}
	sites, err := source.Parse(text, opts)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", a.spec.Source, err)
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("%s: no annotated sites in %s", a.spec.Name, a.spec.Source)
	}
	if err := a.spec.Operators.Validate(sites); err != nil {
		return nil, fmt.Errorf("%s: %w", a.spec.Name, err)
	}

	a.plan = &Plan{
		SourceID:   source.Fingerprint(text, opts),
		SourcePath: a.spec.Source,
		Text:       text,
		Sites:      sites,
	}
	a.logger.Info("variant plan ready",
		slog.String("kernel", a.spec.Name),
		slog.String("source", a.plan.SourceID.Short()),
		slog.Int("sites", len(sites)))
	return a.plan, nil
}

// PendingVariants resumes enumeration from the checkpoint cursor and
// filters each spec against the ledger's terminal records, the equivalence
// relation, and the admission policy. A forced sweep restarts enumeration
// at zero and re-admits success and failed records; pruned records stay
// pruned either way.
func (a *Adapter) PendingVariants(ctx context.Context, plan *Plan, snap ledger.Checkpoint) (*Stream, error) {
	skip := snap.SkipSet(a.cfg.Force)

	var popts []variant.PrunerOption
	if a.admit != nil {
		popts = append(popts, variant.WithAdmission(a.admit))
	}
	pruner := variant.NewPruner(plan.SourceID, skip, popts...)

	enum := variant.NewEnumerator(plan.SiteCount(), a.cfg.Policy())
	if !a.cfg.Force {
		// Settled records keep their equivalence class settled across
		// resumes. Forced sweeps skip the seeding so class heads can be
		// dispatched again.
		for _, r := range snap.Records {
			if _, ok := skip[r.ID]; !ok {
				continue
			}
			spec, err := variant.ParseSpec(r.Bits)
			if err != nil {
				return nil, fmt.Errorf("ledger bits for %s: %w", r.ID.Short(), err)
			}
			pruner.Seed(spec)
		}
		enum.Seek(snap.Cursor)
	}

	return NewStream(func() (Candidate, bool) {
		for {
			spec, cursor, ok := enum.Next()
			if !ok {
				return Candidate{}, false
			}
			id, verdict := pruner.Filter(spec)
			switch verdict {
			case variant.VerdictSkip:
				continue
			case variant.VerdictPruneEquivalent:
				return Candidate{ID: id, Spec: spec, Seq: cursor, Verdict: verdict,
					Reason: "equivalent to dispatched variant"}, true
			case variant.VerdictPruneVetoed:
				return Candidate{ID: id, Spec: spec, Seq: cursor, Verdict: verdict,
					Reason: "superset of over-budget variant"}, true
			default:
				return Candidate{ID: id, Spec: spec, Seq: cursor, Verdict: verdict}, true
			}
		}
	}), nil
}

// SimulateVariant materializes the job's spec, writes the variant source,
// and runs the toolchain. On a compile or simulate failure the returned
// Result still carries the artifacts and partial report alongside the
// error, so the failure can be recorded with its log paths.
func (a *Adapter) SimulateVariant(ctx context.Context, ws *workspace.Workspace, job Job) (*Result, error) {
	if a.plan == nil {
		return nil, fmt.Errorf("%s: simulate before variant generation", a.spec.Name)
	}

	text, err := source.Materialize(a.plan.Text, a.plan.Sites, job.Spec, a.spec.Operators)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", job.ID.Short(), err)
	}

	paths := ws.Variant(a.plan.SourcePath, job.ID)
	if err := os.WriteFile(paths.Source, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("write variant source: %w", err)
	}

	vars := pipeline.Vars{
		"source":    paths.Source,
		"binary":    paths.Binary,
		"output":    paths.Output,
		"log":       paths.Log,
		"profile":   paths.Profile,
		"dump":      paths.Dump,
		"include":   ws.Root,
		"workspace": ws.Root,
	}
	if a.stagedInput != "" {
		vars["input"] = a.stagedInput
	}
	if a.stagedHeader != "" {
		vars["header"] = a.stagedHeader
	}

	res := &Result{Artifacts: ledger.Artifacts{
		SourcePath: ws.Rel(paths.Source),
		LogPath:    ws.Rel(paths.Log),
	}}

	report, err := a.runner.Execute(ctx, job.ID, vars)
	res.Report = report
	if err != nil {
		return res, err
	}

	res.Artifacts.BinaryPath = ws.Rel(paths.Binary)
	res.Artifacts.OutputPath = ws.Rel(paths.Output)
	if a.spec.Tools.Disassemble.Configured() {
		res.Artifacts.DumpPath = ws.Rel(paths.Dump)
	}
	if a.spec.Tools.Profile.Configured() {
		res.Artifacts.ProfilePath = ws.Rel(paths.Profile)
	}

	values, err := analysis.ReadSeriesFile(paths.Output)
	if err != nil {
		res.Report.Notes = append(res.Report.Notes, fmt.Sprintf("output unreadable: %v", err))
		return res, nil
	}
	res.Output = values
	return res, nil
}
