// Package rewind is a transactional, observable, undoable state container
// layered over an embedded SQLite database.
//
// A Store owns a strongly-typed in-memory state value that is durable, whose
// mutations are atomic, optionally undoable, and selectively persisted at
// finer grain than the whole value through registered substates. Writes are
// strictly serialized against a single writer connection; reads run
// concurrently against a read-only pool and never observe a torn
// transaction.
//
// The update protocol is: acquire write exclusivity, begin a transaction,
// run the caller's transform against a working copy, persist what the update
// kind dictates (substates, whole-state snapshot row), commit, record the
// history transition, publish. Any failure rolls the transaction back and
// leaves the in-memory state untouched.
//
// Undo and redo navigate an in-memory history of snapshots with
// collapse-on-commit semantics: runs of Pending updates (live typing)
// collapse into a single undo step when an Undoable or Critical update
// lands. Navigation is best effort: a persistence failure logs and leaves
// the cursor unmoved rather than surfacing an error.
//
// This is a library-level component consumed by an application; there is no
// CLI or process surface.
package rewind
