// Package sched runs one sweep: a single producer walks the kernel's
// pending-variant stream in enumeration order, reserves each accepted spec
// in the ledger, and dispatches it to a bounded worker pool. Completion
// order is unordered; the ledger's transitions log is the audit order.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/axlab/axsweep/internal/analysis"
	"github.com/axlab/axsweep/internal/config"
	"github.com/axlab/axsweep/internal/kernel"
	"github.com/axlab/axsweep/internal/ledger"
	"github.com/axlab/axsweep/internal/variant"
	"github.com/axlab/axsweep/internal/workspace"
)

// Summary tallies one Run.
type Summary struct {
	Kernel     string
	SourceID   variant.ID
	Sites      int
	Resume     ledger.ResumeReport
	Dispatched int
	Succeeded  int
	Failed     int
	Pruned     int
	Halted     bool
	HaltReason string
}

// Scheduler coordinates one kernel sweep over one workspace.
//
// The zero value is not usable; construct with New. Run may be called once.
type Scheduler struct {
	led      *ledger.Ledger
	kern     kernel.Kernel
	ws       *workspace.Workspace
	cfg      config.Sweep
	logger   *slog.Logger
	veto     *variant.SupersetVeto
	comparer analysis.Comparer

	stop     chan struct{}
	stopOnce sync.Once

	// ref is set before any approximate variant is dispatched and only
	// read afterwards.
	ref *analysis.Reference

	mu      sync.Mutex
	summary Summary
	streak  int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger routes the scheduler's logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithVeto installs the shared superset veto so over-budget variants ban
// their descendants. The same veto's Admit must be wired into the kernel's
// admission policy.
func WithVeto(veto *variant.SupersetVeto) Option {
	return func(s *Scheduler) { s.veto = veto }
}

// New builds a Scheduler over an open ledger, a prepared kernel binding,
// and a created workspace.
func New(led *ledger.Ledger, kern kernel.Kernel, ws *workspace.Workspace, cfg config.Sweep, opts ...Option) *Scheduler {
	s := &Scheduler{
		led:      led,
		kern:     kern,
		ws:       ws,
		cfg:      cfg,
		logger:   slog.Default(),
		comparer: analysis.Comparer{Threshold: cfg.AccuracyThreshold},
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Halt stops new dispatch after in-flight variants finish. Safe from any
// goroutine; later calls are no-ops. Cancel Run's context instead to kill
// in-flight work.
func (s *Scheduler) Halt(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.summary.Halted = true
		s.summary.HaltReason = reason
		s.mu.Unlock()
		s.logger.Warn("sweep halting; draining in-flight variants",
			slog.String("reason", reason))
		close(s.stop)
	})
}

// Run executes the sweep to completion, soft stop, or systemic failure.
// The returned Summary is valid even when the error is non-nil. Cancelling
// ctx abandons in-flight variants as running; the next run's orphan reset
// reclaims them.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	log := s.logger.With(slog.String("kernel", s.kern.Name()))

	if err := s.kern.Prepare(ctx, s.ws); err != nil {
		return s.summaryCopy(), err
	}
	plan, err := s.kern.GenerateVariants(ctx, s.ws)
	if err != nil {
		return s.summaryCopy(), err
	}

	s.mu.Lock()
	s.summary.Kernel = s.kern.Name()
	s.summary.SourceID = plan.SourceID
	s.summary.Sites = plan.SiteCount()
	s.mu.Unlock()

	reset, err := s.led.RegisterSource(ctx, ledger.SourceInfo{
		ID:        plan.SourceID,
		Path:      plan.SourcePath,
		SiteCount: plan.SiteCount(),
	})
	if err != nil {
		return s.summaryCopy(), err
	}
	if reset {
		log.Warn("candidate site count changed; enumeration restarts from zero",
			slog.Int("sites", plan.SiteCount()))
	}

	snap, report, err := s.led.Resume(ctx, plan.SourceID)
	if err != nil {
		return s.summaryCopy(), err
	}
	s.mu.Lock()
	s.summary.Resume = report
	s.mu.Unlock()
	log.Info("sweep resume state",
		slog.Int("success", report.AlreadySuccess),
		slog.Int("failed", report.AlreadyFailed),
		slog.Int("pruned", report.AlreadyPruned),
		slog.Int("orphans_reset", report.ResetFromOrphan),
		slog.Int64("cursor", snap.Cursor))

	if err := s.ensureReference(ctx, plan); err != nil {
		return s.summaryCopy(), fmt.Errorf("baseline variant: %w", err)
	}

	// The baseline may have just gone terminal; re-snapshot so the stream
	// does not re-emit it.
	snap, err = s.led.Snapshot(ctx, plan.SourceID)
	if err != nil {
		return s.summaryCopy(), err
	}
	stream, err := s.kern.PendingVariants(ctx, plan, snap)
	if err != nil {
		return s.summaryCopy(), err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EffectiveWorkers())

	perr := s.produce(gctx, plan, stream, g)
	if werr := g.Wait(); werr != nil {
		// A worker error cancels the group, so it is the root cause even
		// when the producer also reported one.
		perr = werr
	}

	sum := s.summaryCopy()
	log.Info("sweep finished",
		slog.Int("dispatched", sum.Dispatched),
		slog.Int("succeeded", sum.Succeeded),
		slog.Int("failed", sum.Failed),
		slog.Int("pruned", sum.Pruned),
		slog.Bool("halted", sum.Halted))
	return sum, perr
}

// produce walks the candidate stream, persisting prune verdicts and
// dispatching reservations until exhaustion, soft stop, or cancellation.
func (s *Scheduler) produce(ctx context.Context, plan *kernel.Plan, stream *kernel.Stream, g *errgroup.Group) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		default:
		}

		cand, ok := stream.Next()
		if !ok {
			return nil
		}
		// The all-exact baseline is settled by ensureReference; a forced
		// stream re-emits it.
		if cand.Spec.Popcount() == 0 {
			continue
		}

		if cand.Verdict != variant.VerdictAccept {
			if err := s.led.MarkPruned(ctx, plan.SourceID, cand.ID, cand.Spec, cand.Seq, cand.Reason); err != nil {
				return err
			}
			s.mu.Lock()
			s.summary.Pruned++
			s.mu.Unlock()
			s.logger.Debug("variant pruned",
				slog.String("variant", cand.ID.Short()),
				slog.Int64("seq", cand.Seq),
				slog.String("reason", cand.Reason))
			continue
		}

		claimed, err := s.led.Reserve(ctx, plan.SourceID, cand.ID, cand.Spec, cand.Seq, s.cfg.Force)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		s.mu.Lock()
		s.summary.Dispatched++
		s.mu.Unlock()

		job := kernel.Job{ID: cand.ID, Spec: cand.Spec, Seq: cand.Seq}
		g.Go(func() error {
			return s.runVariant(ctx, job)
		})
	}
}

func (s *Scheduler) summaryCopy() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Scheduler) noteSuccess() {
	s.mu.Lock()
	s.summary.Succeeded++
	s.streak = 0
	s.mu.Unlock()
}

func (s *Scheduler) noteFailure() {
	s.mu.Lock()
	s.summary.Failed++
	s.streak++
	streak := s.streak
	s.mu.Unlock()

	if s.cfg.FailureStreak > 0 && streak >= s.cfg.FailureStreak {
		s.Halt(fmt.Sprintf("%d consecutive variant failures", streak))
	}
}
