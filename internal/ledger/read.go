package ledger

import (
	"context"
	"database/sql"

	"github.com/axlab/axsweep/internal/variant"
)

// Snapshot returns the resumable view of one source's sweep: the checkpoint
// cursor and a summary of every known record, ordered by enumeration
// sequence. The enumerator seeks to the cursor and the pruner skips the
// summarized IDs.
func (l *Ledger) Snapshot(ctx context.Context, sourceID variant.ID) (Checkpoint, error) {
	cp := Checkpoint{SourceID: sourceID}

	err := l.db.QueryRowContext(ctx,
		`SELECT cursor FROM checkpoints WHERE source_id = ?`, string(sourceID),
	).Scan(&cp.Cursor)
	if err == sql.ErrNoRows {
		cp.Cursor = 0
	} else if err != nil {
		return Checkpoint{}, ioErr("snapshot", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, status, bits, seq FROM variants
		WHERE source_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, string(sourceID))
	if err != nil {
		return Checkpoint{}, ioErr("snapshot", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r RecordSummary
		var id string
		if err := rows.Scan(&id, &r.Status, &r.Bits, &r.Seq); err != nil {
			return Checkpoint{}, ioErr("snapshot", err)
		}
		r.ID = variant.ID(id)
		cp.Records = append(cp.Records, r)
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, ioErr("snapshot", err)
	}
	return cp, nil
}

// Get returns the full record for one variant. found is false when the
// ledger has never seen the ID.
func (l *Ledger) Get(ctx context.Context, id variant.ID) (Record, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, source_id, bits, popcount, seq, status, retries, reason, note,
		       artifacts, metrics, created_at, updated_at
		FROM variants WHERE id = ?
	`, string(id))

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, ioErr("get", err)
	}
	return rec, true, nil
}

// Sources lists every source revision the ledger has tracked, oldest
// first.
func (l *Ledger) Sources(ctx context.Context) ([]SourceInfo, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, path, site_count FROM sources
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, ioErr("sources", err)
	}
	defer rows.Close()

	var out []SourceInfo
	for rows.Next() {
		var info SourceInfo
		var id string
		if err := rows.Scan(&id, &info.Path, &info.SiteCount); err != nil {
			return nil, ioErr("sources", err)
		}
		info.ID = variant.ID(id)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("sources", err)
	}
	return out, nil
}

// Transition is one row of the append-only audit log. The log's row order,
// not wall-clock dispatch order, is authoritative for audit.
type Transition struct {
	VariantID variant.ID
	From      Status
	To        Status
	Reason    string
	At        string
}

// Transitions returns the audit log for one variant in append order.
func (l *Ledger) Transitions(ctx context.Context, id variant.ID) ([]Transition, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT variant_id, from_status, to_status, reason, at
		FROM transitions WHERE variant_id = ?
		ORDER BY id ASC
	`, string(id))
	if err != nil {
		return nil, ioErr("transitions", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var vid string
		if err := rows.Scan(&vid, &t.From, &t.To, &t.Reason, &t.At); err != nil {
			return nil, ioErr("transitions", err)
		}
		t.VariantID = variant.ID(vid)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("transitions", err)
	}
	return out, nil
}

// ResetOrphans flips every running record of the source back to pending. A
// running status surviving a fresh process start is orphaned work by
// definition; resetting happens once, before anything is redispatched.
// Returns the number of records reset.
func (l *Ledger) ResetOrphans(ctx context.Context, sourceID variant.ID) (int, error) {
	now := timestamp()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ioErr("reset orphans", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM variants WHERE source_id = ? AND status = 'running'
		ORDER BY seq ASC
	`, string(sourceID))
	if err != nil {
		return 0, ioErr("reset orphans", err)
	}
	var orphans []variant.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, ioErr("reset orphans", err)
		}
		orphans = append(orphans, variant.ID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, ioErr("reset orphans", err)
	}
	rows.Close()

	if len(orphans) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE variants SET status = 'pending', updated_at = ?
		WHERE source_id = ? AND status = 'running'
	`, now, string(sourceID)); err != nil {
		return 0, ioErr("reset orphans", err)
	}
	for _, id := range orphans {
		if err := appendTransition(ctx, tx, id, StatusRunning, StatusPending, "orphan reset", now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, ioErr("reset orphans", err)
	}
	return len(orphans), nil
}

// ResumeReport is what a resumed run announces before dispatching new work.
type ResumeReport struct {
	AlreadySuccess  int
	AlreadyFailed   int
	AlreadyPruned   int
	ResetFromOrphan int
}

// Resume performs the reload sequence for one source: orphaned running
// records are reset to pending exactly once, then the checkpoint snapshot
// is taken. The report summarizes what the ledger already knows.
func (l *Ledger) Resume(ctx context.Context, sourceID variant.ID) (Checkpoint, ResumeReport, error) {
	reset, err := l.ResetOrphans(ctx, sourceID)
	if err != nil {
		return Checkpoint{}, ResumeReport{}, err
	}
	cp, err := l.Snapshot(ctx, sourceID)
	if err != nil {
		return Checkpoint{}, ResumeReport{}, err
	}
	counts := cp.Counts()
	report := ResumeReport{
		AlreadySuccess:  counts[StatusSuccess],
		AlreadyFailed:   counts[StatusFailed],
		AlreadyPruned:   counts[StatusPruned],
		ResetFromOrphan: reset,
	}
	return cp, report, nil
}

// scanRecord scans one variants row through the given scan function, so it
// serves both sql.Row and sql.Rows callers.
func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		rec           Record
		id, sourceID  string
		artifactsJSON string
		metricsJSON   *string
		created, updated string
	)
	err := scan(&id, &sourceID, &rec.Bits, &rec.Popcount, &rec.Seq, &rec.Status,
		&rec.Retries, &rec.Reason, &rec.Note, &artifactsJSON, &metricsJSON,
		&created, &updated)
	if err != nil {
		return Record{}, err
	}
	rec.ID = variant.ID(id)
	rec.SourceID = variant.ID(sourceID)
	rec.CreatedAt = parseTimestamp(created)
	rec.UpdatedAt = parseTimestamp(updated)

	rec.Artifacts, err = unmarshalArtifacts(artifactsJSON)
	if err != nil {
		return Record{}, err
	}
	rec.Metrics, err = unmarshalMetrics(metricsJSON)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
