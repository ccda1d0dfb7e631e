// Package ledger is the durable, crash-safe record of a sweep: every
// variant's status, the enumeration checkpoint, and an append-only audit
// log of every state transition.
//
// OWNERSHIP:
//
// The ledger exclusively owns persisted variant state. Other components
// read snapshots or submit updates through its API; nothing else touches
// the database. One Ledger handle per database file, one process at a
// time.
//
// STATE MACHINE (per variant):
//
//	pending -> running -> {success, failed}
//	pending -> pruned
//	running -> pending   (orphan reset, exactly once per reload)
//
// success and failed may transition back to running only through a forced
// re-run; pruned is always final.
//
// DURABILITY:
//
// SQLite in WAL mode with synchronous=FULL: Reserve, Complete, and
// MarkPruned are flushed before they return. The variants table is the
// rebuilt index, the transitions table is the append-only log whose row
// order is authoritative for audit, and the checkpoints table holds the
// resume cursor per source. Rows are never deleted.
//
// Reserve/Complete run on a single connection inside transactions, so the
// claim protocol is atomic: concurrent Reserve calls for one VariantID
// yield exactly one true.
package ledger
