package sched

import (
	"context"
	"log/slog"

	"github.com/axlab/axsweep/internal/kernel"
	"github.com/axlab/axsweep/internal/ledger"
	"github.com/axlab/axsweep/internal/pipeline"
)

// runVariant executes one reserved variant to a terminal record. Per-variant
// failures are not errors; only ledger writes can fail the pool.
func (s *Scheduler) runVariant(ctx context.Context, job kernel.Job) error {
	log := s.logger.With(
		slog.String("variant", job.ID.Short()),
		slog.Int64("seq", job.Seq))

	res, retries, runErr := s.attempt(ctx, job)
	if ctx.Err() != nil {
		// Hard cancellation. The record stays running and the next run's
		// orphan reset reclaims it, same as a crash.
		log.Warn("variant interrupted; left for orphan reset")
		return nil
	}

	out := ledger.Outcome{Retries: retries}
	if res != nil {
		out.Artifacts = res.Artifacts
		out.Note = res.Report.Note()
	}

	if runErr != nil {
		out.Status = ledger.StatusFailed
		out.Reason = runErr.Error()
		if err := s.led.Complete(ctx, job.ID, out); err != nil {
			return err
		}
		s.noteFailure()
		log.Warn("variant failed",
			slog.Int("retries", retries),
			slog.String("reason", out.Reason))
		return nil
	}

	out.Status = ledger.StatusSuccess
	s.measure(job, res, &out, log)
	if err := s.led.Complete(ctx, job.ID, out); err != nil {
		return err
	}
	s.noteSuccess()
	log.Debug("variant succeeded", slog.Int("retries", retries))
	return nil
}

// attempt runs the variant through the kernel, retrying compile and
// simulate failures up to the configured count. The returned retries is
// the number of re-attempts consumed.
func (s *Scheduler) attempt(ctx context.Context, job kernel.Job) (*kernel.Result, int, error) {
	for try := 0; ; try++ {
		res, err := s.kern.SimulateVariant(ctx, s.ws, job)
		if err == nil || !pipeline.Retryable(err) || try >= s.cfg.Retries || ctx.Err() != nil {
			return res, try, err
		}
		s.logger.Debug("retrying variant",
			slog.String("variant", job.ID.Short()),
			slog.Int("attempt", try+2),
			slog.String("error", err.Error()))
	}
}

// measure compares the variant's output against the baseline and attaches
// the metric map. Analysis problems never fail the variant; the record
// stays success with the metric marked unavailable.
func (s *Scheduler) measure(job kernel.Job, res *kernel.Result, out *ledger.Outcome, log *slog.Logger) {
	if res.Output == nil {
		out.Note = joinNote(out.Note, "error metric unavailable")
		return
	}

	m, err := s.comparer.Compare(s.ref.Values, res.Output)
	if err != nil {
		log.Warn("error analysis failed", slog.String("error", err.Error()))
		out.Note = joinNote(out.Note, "error metric unavailable: "+err.Error())
		return
	}
	out.Metrics = m.Map()

	if s.veto != nil && s.cfg.ErrorBudget > 0 && m.RMSE > s.cfg.ErrorBudget {
		s.veto.Ban(job.Spec)
		log.Info("variant over error budget; supersets will be pruned",
			slog.Float64("rmse", m.RMSE),
			slog.Float64("budget", s.cfg.ErrorBudget))
	}
}

func joinNote(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
