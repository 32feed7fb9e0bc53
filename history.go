package rewind

import "fmt"

// UpdateKind tags an update with its undo semantics.
type UpdateKind int

const (
	// Pending marks a transient, collapsible update (e.g. live typing).
	// Pending updates replace each other in place and are never durable on
	// their own; they collapse into a single undo step when an Undoable or
	// Critical update lands.
	Pending UpdateKind = iota + 1

	// Undoable marks a regular undo checkpoint.
	Undoable

	// Critical marks an update that establishes a fresh baseline: every
	// substate is re-persisted unconditionally.
	Critical
)

// String implements fmt.Stringer for log fields.
func (k UpdateKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Undoable:
		return "undoable"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// valid reports whether k is one of the declared kinds.
func (k UpdateKind) valid() bool {
	return k == Pending || k == Undoable || k == Critical
}

// update is one history entry: a full state snapshot tagged with its kind.
//
// A Pending entry additionally carries base, the state that preceded the
// pending run. In-place replacement of a Pending tail preserves base, so a
// later collapse can materialize the snapshot a single undo step returns to.
type update[S any] struct {
	state S
	kind  UpdateKind
	base  *S
}

// history is the undo/redo log: an ordered sequence of updates and a cursor.
//
// Invariants:
//   - 0 <= cursor < len(updates) always
//   - updates[cursor].state is the currently observable state
//   - at most one Pending entry exists, and only at the tail
//   - len(updates) <= levels+1; eviction is from the head, decrementing the
//     cursor so it keeps pointing at the same logical entry
//
// Not safe for concurrent use; the Store serializes access.
type history[S any] struct {
	updates []update[S]
	cursor  int
	levels  int
}

// newHistory seeds the log with the initial (restored) state as the baseline
// entry. levels is clamped to >= 0; 0 keeps retention minimal.
func newHistory[S any](initial S, levels int) *history[S] {
	if levels < 0 {
		levels = 0
	}
	return &history[S]{
		updates: []update[S]{{state: initial, kind: Critical}},
		cursor:  0,
		levels:  levels,
	}
}

// current returns the currently observable state.
func (h *history[S]) current() S {
	return h.updates[h.cursor].state
}

// persistedBase returns the state the last durable rows describe: the base of
// a pending run when the cursor sits on its tail, otherwise the current
// state. Pending entries are never durable on their own, so a collapsing
// update must diff against the base to commit the whole pending run.
func (h *history[S]) persistedBase() S {
	if u := h.updates[h.cursor]; u.kind == Pending && u.base != nil {
		return *u.base
	}
	return h.current()
}

// hasRedo reports whether entries exist past the cursor (a redo branch).
func (h *history[S]) hasRedo() bool {
	return h.cursor < len(h.updates)-1
}

func (h *history[S]) canUndo() bool {
	return h.cursor > 0
}

// record applies the transition table for a committed update.
//
//	tail kind  | requested | effect
//	-----------+-----------+----------------------------------------------
//	not pending| Pending   | append Pending (remembering the current state
//	           |           | as its base); cursor +1
//	pending    | Pending   | replace tail in place; cursor unchanged
//	not pending| Und/Crit  | append; cursor +1
//	pending    | Und/Crit  | collapse: tail becomes (base as Undoable,
//	           |           | new as requested); cursor lands on new
//
// A redo branch past the cursor is truncated first: recording a new update
// discards the states that were undone away from.
func (h *history[S]) record(state S, kind UpdateKind) {
	if h.hasRedo() {
		h.updates = h.updates[:h.cursor+1]
	}

	tail := &h.updates[h.cursor]
	switch {
	case kind == Pending && tail.kind == Pending:
		tail.state = state

	case kind == Pending:
		base := tail.state
		h.updates = append(h.updates, update[S]{state: state, kind: Pending, base: &base})
		h.cursor++

	case tail.kind == Pending:
		// Collapse: the whole pending run becomes a single undo step back to
		// the state that preceded it.
		base := *tail.base
		h.updates[h.cursor] = update[S]{state: base, kind: Undoable}
		h.updates = append(h.updates, update[S]{state: state, kind: kind})
		h.cursor++

	default:
		h.updates = append(h.updates, update[S]{state: state, kind: kind})
		h.cursor++
	}

	h.prune()
}

// prune evicts head entries until the retention bound holds.
func (h *history[S]) prune() {
	for len(h.updates) > h.levels+1 {
		// Zero the evicted slot so the state is collectable, then shift.
		h.updates[0] = update[S]{}
		h.updates = h.updates[1:]
		h.cursor--
	}
}

// undoTarget returns the (old, new) pair an undo would persist: the current
// state and the state one step back. ok is false when the cursor is at the
// head.
func (h *history[S]) undoTarget() (old, next S, ok bool) {
	if h.cursor == 0 {
		var zero S
		return zero, zero, false
	}
	return h.updates[h.cursor].state, h.updates[h.cursor-1].state, true
}

// redoTarget is undoTarget's mirror for the entry past the cursor.
func (h *history[S]) redoTarget() (old, next S, ok bool) {
	if !h.hasRedo() {
		var zero S
		return zero, zero, false
	}
	return h.updates[h.cursor].state, h.updates[h.cursor+1].state, true
}

// moveBack commits an undo: the cursor steps toward the head.
func (h *history[S]) moveBack() {
	if h.cursor > 0 {
		h.cursor--
	}
}

// moveForward commits a redo: the cursor steps toward the tail.
func (h *history[S]) moveForward() {
	if h.hasRedo() {
		h.cursor++
	}
}

// length returns the number of retained entries.
func (h *history[S]) length() int {
	return len(h.updates)
}
