package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/axlab/axsweep/internal/variant"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - pre-migration
// 1 - initial schema
const currentSchemaVersion = 1

// Status is a variant's position in the tracking state machine.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPruned  Status = "pruned"
)

// Terminal reports whether the status never transitions again on its own
// (success and failed can still be re-run when explicitly forced).
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusPruned
}

// Artifacts are the variant-scoped output paths collected by the pipeline.
type Artifacts struct {
	SourcePath  string `json:"source_path,omitempty"`
	BinaryPath  string `json:"binary_path,omitempty"`
	OutputPath  string `json:"output_path,omitempty"`
	DumpPath    string `json:"dump_path,omitempty"`
	ProfilePath string `json:"profile_path,omitempty"`
	LogPath     string `json:"log_path,omitempty"`
}

// Record is the persisted tuple for one variant.
type Record struct {
	ID        variant.ID
	SourceID  variant.ID
	Bits      string
	Popcount  int
	Seq       int64
	Status    Status
	Retries   int
	Reason    string
	Note      string
	Artifacts Artifacts
	Metrics   map[string]float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceInfo identifies the annotated source a sweep runs over.
type SourceInfo struct {
	ID        variant.ID
	Path      string
	SiteCount int
}

// RecordSummary is the slice of a record the enumerator and pruner need.
type RecordSummary struct {
	ID     variant.ID
	Status Status
	Bits   string
	Seq    int64
}

// Checkpoint is the resumable view of one source's sweep: the enumeration
// cursor plus every known record.
type Checkpoint struct {
	SourceID variant.ID
	Cursor   int64
	Records  []RecordSummary
}

// SkipSet returns the VariantIDs the pruner must not re-emit. Normally
// that is every terminal record; a forced sweep re-runs success and failed
// variants, so only pruned records remain skipped.
func (c *Checkpoint) SkipSet(force bool) map[variant.ID]struct{} {
	skip := make(map[variant.ID]struct{}, len(c.Records))
	for _, r := range c.Records {
		if r.Status == StatusPruned || (!force && r.Status.Terminal()) {
			skip[r.ID] = struct{}{}
		}
	}
	return skip
}

// Counts tallies records by status.
func (c *Checkpoint) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range c.Records {
		counts[r.Status]++
	}
	return counts
}

// Ledger provides durable storage for sweep state. Safe for concurrent
// use: the claim protocol runs in transactions on a single connection,
// and the in-memory checkpoint frontier is mutex-guarded.
type Ledger struct {
	db *sql.DB

	mu        sync.Mutex
	frontiers map[variant.ID]*frontier
}

// Open creates or opens the ledger database at the given path.
// Applies required pragmas and migrations; idempotent.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode: every claim and completion is flushed
//     before the call returns, which the resume guarantees rely on
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, ioErr("open", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ioErr("open", err)
	}

	// SQLite supports one writer at a time; a single connection keeps
	// transactions serializable and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{
		db:        db,
		frontiers: make(map[variant.ID]*frontier),
	}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return ioErrf("open", "apply %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return ioErrf("open", "apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return ioErrf("open", "get user_version: %w", err)
	}
	// No incremental migrations yet; claim the current version.
	if version < currentSchemaVersion {
		stmt := fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)
		if _, err := db.Exec(stmt); err != nil {
			return ioErrf("open", "set user_version: %w", err)
		}
	}
	return nil
}

// RegisterSource records the source this sweep runs over and prepares its
// in-memory checkpoint frontier. When an already-registered source comes
// back with a different site count (markers were added or removed without
// changing the logical content), the enumeration space has changed shape:
// the cursor resets to zero and reset reports true. Old records remain for
// audit and still dedup by ID.
func (l *Ledger) RegisterSource(ctx context.Context, info SourceInfo) (reset bool, err error) {
	now := timestamp()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ioErr("register source", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sources (id, path, site_count, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(info.ID), info.Path, info.SiteCount, now)
	if err != nil {
		return false, ioErr("register source", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, ioErr("register source", err)
	}

	if inserted == 0 {
		var stored int
		err := tx.QueryRowContext(ctx,
			`SELECT site_count FROM sources WHERE id = ?`, string(info.ID),
		).Scan(&stored)
		if err != nil {
			return false, ioErr("register source", err)
		}
		if stored != info.SiteCount {
			reset = true
			if _, err := tx.ExecContext(ctx,
				`UPDATE sources SET site_count = ?, path = ? WHERE id = ?`,
				info.SiteCount, info.Path, string(info.ID),
			); err != nil {
				return false, ioErr("register source", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO checkpoints (source_id, cursor, updated_at) VALUES (?, 0, ?)
				ON CONFLICT(source_id) DO UPDATE SET cursor = 0, updated_at = excluded.updated_at
			`, string(info.ID), now); err != nil {
				return false, ioErr("register source", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (source_id, cursor, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(source_id) DO NOTHING
	`, string(info.ID), now); err != nil {
		return false, ioErr("register source", err)
	}

	var cursor int64
	if err := tx.QueryRowContext(ctx,
		`SELECT cursor FROM checkpoints WHERE source_id = ?`, string(info.ID),
	).Scan(&cursor); err != nil {
		return false, ioErr("register source", err)
	}

	// Rebuild the frontier: terminal seqs at or past the cursor are gaps
	// the cursor can swallow as soon as it reaches them. Records from an
	// older site count belong to a different enumeration and are ignored.
	front := newFrontier(cursor)
	rows, err := tx.QueryContext(ctx, `
		SELECT seq FROM variants
		WHERE source_id = ? AND length(bits) = ? AND seq >= ?
		  AND status IN ('success', 'failed', 'pruned')
	`, string(info.ID), info.SiteCount, cursor)
	if err != nil {
		return false, ioErr("register source", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return false, ioErr("register source", err)
		}
		front.markTerminal(seq)
	}
	if err := rows.Err(); err != nil {
		return false, ioErr("register source", err)
	}

	if front.cursor != cursor {
		if _, err := tx.ExecContext(ctx,
			`UPDATE checkpoints SET cursor = ?, updated_at = ? WHERE source_id = ?`,
			front.cursor, now, string(info.ID),
		); err != nil {
			return false, ioErr("register source", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, ioErr("register source", err)
	}

	l.mu.Lock()
	l.frontiers[info.ID] = front
	l.mu.Unlock()

	return reset, nil
}

// frontier tracks the longest terminal prefix of the enumeration order.
// cursor is the first seq that is not yet terminal; terminal holds the
// out-of-order completions past it.
type frontier struct {
	cursor   int64
	terminal map[int64]struct{}
}

func newFrontier(cursor int64) *frontier {
	return &frontier{cursor: cursor, terminal: make(map[int64]struct{})}
}

// markTerminal records seq as terminal and advances the cursor over any
// newly contiguous prefix. Returns true if the cursor moved.
func (f *frontier) markTerminal(seq int64) bool {
	if seq < f.cursor {
		return false
	}
	f.terminal[seq] = struct{}{}
	advanced := false
	for {
		if _, ok := f.terminal[f.cursor]; !ok {
			break
		}
		delete(f.terminal, f.cursor)
		f.cursor++
		advanced = true
	}
	return advanced
}

// advanceFrontier updates the in-memory frontier for seq and, if the
// cursor moved, persists it within the caller's transaction.
func (l *Ledger) advanceFrontier(ctx context.Context, tx *sql.Tx, sourceID variant.ID, seq int64) error {
	l.mu.Lock()
	front, ok := l.frontiers[sourceID]
	var cursor int64
	advanced := false
	if ok {
		advanced = front.markTerminal(seq)
		cursor = front.cursor
	}
	l.mu.Unlock()

	if !ok || !advanced {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE checkpoints SET cursor = ?, updated_at = ? WHERE source_id = ?`,
		cursor, timestamp(), string(sourceID),
	)
	return err
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
