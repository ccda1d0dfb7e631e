package sched

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/axlab/axsweep/internal/analysis"
	"github.com/axlab/axsweep/internal/kernel"
	"github.com/axlab/axsweep/internal/ledger"
	"github.com/axlab/axsweep/internal/variant"
)

// ensureReference makes the all-exact baseline output available before any
// approximate variant is dispatched. A recorded baseline with a readable
// output file is reused; otherwise the baseline is (re)claimed and executed
// synchronously. A baseline that cannot produce readable output fails the
// sweep: every error metric depends on it.
func (s *Scheduler) ensureReference(ctx context.Context, plan *kernel.Plan) error {
	spec := variant.NewSpec(plan.SiteCount())
	id := variant.ComputeID(plan.SourceID, spec)
	log := s.logger.With(slog.String("variant", id.Short()))

	rec, found, err := s.led.Get(ctx, id)
	if err != nil {
		return err
	}
	if found && rec.Status == ledger.StatusSuccess && rec.Artifacts.OutputPath != "" {
		ref, err := analysis.LoadReference(s.artifactPath(rec.Artifacts.OutputPath))
		if err == nil {
			s.ref = ref
			log.Info("baseline output reused",
				slog.String("path", rec.Artifacts.OutputPath),
				slog.Int("points", len(ref.Values)))
			return nil
		}
		log.Warn("recorded baseline output unreadable; re-running",
			slog.String("error", err.Error()))
	}

	// Force so a stale terminal record is reclaimed. Reserve still refuses
	// when another run holds the baseline.
	claimed, err := s.led.Reserve(ctx, plan.SourceID, id, spec, 0, true)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("baseline %s is reserved by another run", id.Short())
	}

	s.mu.Lock()
	s.summary.Dispatched++
	s.mu.Unlock()

	job := kernel.Job{ID: id, Spec: spec, Seq: 0, Reference: true}
	res, retries, runErr := s.attempt(ctx, job)
	if ctx.Err() != nil {
		// Leave the record running; the next run's orphan reset reclaims it.
		return ctx.Err()
	}

	out := ledger.Outcome{Retries: retries}
	if res != nil {
		out.Artifacts = res.Artifacts
		out.Note = res.Report.Note()
	}

	if runErr != nil {
		out.Status = ledger.StatusFailed
		out.Reason = runErr.Error()
		if err := s.led.Complete(ctx, id, out); err != nil {
			return err
		}
		s.noteFailure()
		return runErr
	}
	if res.Output == nil {
		out.Status = ledger.StatusFailed
		out.Reason = "baseline output unreadable"
		if err := s.led.Complete(ctx, id, out); err != nil {
			return err
		}
		s.noteFailure()
		return fmt.Errorf("baseline output unreadable: %s", out.Note)
	}

	// The baseline is its own yardstick: zero error, full accuracy.
	if m, err := s.comparer.Compare(res.Output, res.Output); err == nil {
		out.Metrics = m.Map()
	}
	out.Status = ledger.StatusSuccess
	if err := s.led.Complete(ctx, id, out); err != nil {
		return err
	}
	s.noteSuccess()

	s.ref = &analysis.Reference{Path: s.artifactPath(res.Artifacts.OutputPath), Values: res.Output}
	log.Info("baseline recorded", slog.Int("points", len(res.Output)))
	return nil
}

// artifactPath resolves a ledger artifact path, stored relative to the
// storage root, back to a filesystem path.
func (s *Scheduler) artifactPath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.cfg.StorageRoot, rel)
}
