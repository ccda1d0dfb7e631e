package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/axlab/axsweep/internal/variant"
)

// Outcome is the terminal result a worker reports for a reserved variant.
type Outcome struct {
	// Status must be StatusSuccess or StatusFailed.
	Status Status

	Artifacts Artifacts

	// Metrics holds the error-analysis results, nil when unavailable.
	Metrics map[string]float64

	// Retries is the number of re-attempts the pipeline used before this
	// outcome (0 when the first attempt decided it).
	Retries int

	// Reason describes a failure; empty on success.
	Reason string

	// Note carries non-fatal caveats, such as "error metric unavailable".
	Note string
}

// Reserve atomically claims a variant for execution: it creates a new
// running record, or flips an existing pending record to running. Returns
// false without side effects when the variant is already running or already
// terminal. With force, success and failed records may be reclaimed too;
// pruned records never are.
//
// Concurrent callers get exactly one true per variant: the claim runs in a
// transaction on the ledger's single connection.
func (l *Ledger) Reserve(ctx context.Context, sourceID, id variant.ID, spec variant.Spec, seq int64, force bool) (bool, error) {
	now := timestamp()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ioErr("reserve", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO variants (id, source_id, bits, popcount, seq, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'running', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(id), string(sourceID), spec.String(), spec.Popcount(), seq, now, now)
	if err != nil {
		return false, ioErr("reserve", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, ioErr("reserve", err)
	}

	if inserted > 0 {
		if err := appendTransition(ctx, tx, id, StatusPending, StatusRunning, "first dispatch", now); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, ioErr("reserve", err)
		}
		return true, nil
	}

	// The record exists. Decide whether its current status may be
	// reclaimed; the single connection keeps this read-then-update atomic.
	var current Status
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM variants WHERE id = ?`, string(id),
	).Scan(&current); err != nil {
		return false, ioErr("reserve", err)
	}

	reclaimable := current == StatusPending ||
		(force && (current == StatusSuccess || current == StatusFailed))
	if !reclaimable {
		return false, nil
	}

	reason := "redispatch"
	if current != StatusPending {
		reason = "forced re-run"
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE variants
		SET status = 'running', retries = 0, reason = '', note = '', updated_at = ?
		WHERE id = ?
	`, now, string(id)); err != nil {
		return false, ioErr("reserve", err)
	}
	if err := appendTransition(ctx, tx, id, current, StatusRunning, reason, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, ioErr("reserve", err)
	}
	return true, nil
}

// Complete atomically moves a running variant to success or failed, records
// the outcome, appends the transition, and advances the checkpoint cursor
// when this variant was on the enumeration frontier. Completing a variant
// that is not running wraps ErrNotRunning: it means the claim protocol was
// bypassed.
func (l *Ledger) Complete(ctx context.Context, id variant.ID, out Outcome) error {
	if out.Status != StatusSuccess && out.Status != StatusFailed {
		return fmt.Errorf("complete %s: status %q is not terminal for execution", id.Short(), out.Status)
	}

	artifactsJSON, err := marshalArtifacts(out.Artifacts)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id.Short(), err)
	}
	metricsJSON, err := marshalMetrics(out.Metrics)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id.Short(), err)
	}

	now := timestamp()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("complete", err)
	}
	defer tx.Rollback()

	var (
		sourceID string
		seq      int64
		current  Status
	)
	err = tx.QueryRowContext(ctx,
		`SELECT source_id, seq, status FROM variants WHERE id = ?`, string(id),
	).Scan(&sourceID, &seq, &current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("complete %s: %w", id.Short(), ErrNotRunning)
	}
	if err != nil {
		return ioErr("complete", err)
	}
	if current != StatusRunning {
		return fmt.Errorf("complete %s: status is %s: %w", id.Short(), current, ErrNotRunning)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE variants
		SET status = ?, artifacts = ?, metrics = ?, retries = ?, reason = ?, note = ?, updated_at = ?
		WHERE id = ?
	`, string(out.Status), artifactsJSON, metricsJSON, out.Retries, out.Reason, out.Note, now, string(id)); err != nil {
		return ioErr("complete", err)
	}
	if err := appendTransition(ctx, tx, id, StatusRunning, out.Status, out.Reason, now); err != nil {
		return err
	}
	if err := l.advanceFrontier(ctx, tx, variant.ID(sourceID), seq); err != nil {
		return ioErr("complete", err)
	}
	if err := tx.Commit(); err != nil {
		return ioErr("complete", err)
	}
	return nil
}

// MarkPruned records a spec the pruner rejected before dispatch: a terminal
// record is inserted directly, so the spec is never re-considered and the
// ledger stays complete. Idempotent for already-pruned variants; marking a
// variant that exists in any other status is a protocol violation.
func (l *Ledger) MarkPruned(ctx context.Context, sourceID, id variant.ID, spec variant.Spec, seq int64, reason string) error {
	now := timestamp()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("mark pruned", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO variants (id, source_id, bits, popcount, seq, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pruned', ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(id), string(sourceID), spec.String(), spec.Popcount(), seq, reason, now, now)
	if err != nil {
		return ioErr("mark pruned", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return ioErr("mark pruned", err)
	}

	if inserted == 0 {
		var current Status
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM variants WHERE id = ?`, string(id),
		).Scan(&current); err != nil {
			return ioErr("mark pruned", err)
		}
		if current != StatusPruned {
			return fmt.Errorf("mark pruned %s: record exists with status %s", id.Short(), current)
		}
		return nil
	}

	if err := appendTransition(ctx, tx, id, StatusPending, StatusPruned, reason, now); err != nil {
		return err
	}
	if err := l.advanceFrontier(ctx, tx, sourceID, seq); err != nil {
		return ioErr("mark pruned", err)
	}
	if err := tx.Commit(); err != nil {
		return ioErr("mark pruned", err)
	}
	return nil
}

// appendTransition adds one row to the append-only audit log inside the
// caller's transaction.
func appendTransition(ctx context.Context, tx *sql.Tx, id variant.ID, from, to Status, reason, at string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (variant_id, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?)
	`, string(id), string(from), string(to), reason, at)
	if err != nil {
		return ioErr("append transition", err)
	}
	return nil
}
