package rewind

// Action bundles an update kind with its transform, for Store.Dispatch.
//
// Actions are the fire-and-forget surface: a failed action publishes its
// error instead of returning it, so UI-style callers can dispatch without
// plumbing error returns.
type Action[S any] interface {
	// Kind selects the update semantics (Pending, Undoable, Critical).
	Kind() UpdateKind

	// Update mutates the working copy. The Conn handle issues auxiliary
	// statements inside the same transaction.
	Update(s *S, c Conn) error
}

// PreviousUndoableMarker is an optional capability on an Action. When the
// dispatched action implements it, the most recent persisted snapshot row is
// flagged undoable before the action's transform runs.
//
// This is bookkeeping for the flag-column representation of undo history; the
// in-memory log never reads the flag back.
type PreviousUndoableMarker interface {
	MarkPreviousUndoable()
}

// ActionFunc adapts a kind and a transform func into an Action.
type ActionFunc[S any] struct {
	UpdateKind UpdateKind
	Transform  func(s *S, c Conn) error
}

// Kind implements Action.
func (a ActionFunc[S]) Kind() UpdateKind { return a.UpdateKind }

// Update implements Action.
func (a ActionFunc[S]) Update(s *S, c Conn) error { return a.Transform(s, c) }
