package rewind

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/rewindkit/rewind/internal/codec"
	"github.com/rewindkit/rewind/internal/db"
)

// Conn is the auxiliary statement handle passed to transforms and queries.
// Inside an update it is the update's own transaction; inside a query it is
// the read-only reader pool. Satisfied by *sql.Tx and *sql.DB.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a transactional, observable, undoable state container over an
// embedded SQLite database.
//
// The store exclusively owns its state value; callers only ever see copies,
// via State, inside a transform, or inside a query closure.
//
// Thread-safety model:
//   - Update/Dispatch/Undo/Redo/Vacuum: safe from any goroutine; strictly
//     serialized - the Nth update to begin its transaction sees the state
//     produced by the (N-1)th committed one
//   - Query/State/Err/Subscribe: safe from any goroutine, run concurrently
//     with writes, and never observe a torn transaction
type Store[S any] struct {
	db        *db.DB
	codec     Codec
	log       *slog.Logger
	table     string
	levels    int
	substates []Substate[S]

	// mu serializes the whole update protocol: working-copy creation,
	// transaction, history transition, publish.
	mu     chan struct{} // 1-slot semaphore; ctx-aware acquisition
	hist   *history[S]
	closed bool

	pub *published[S]
	obs *observers[S]
}

// Open opens (creating if necessary) the store at cfg.Path, restores durable
// state, and publishes it.
//
// Restoration is best effort and layered: the most recent whole-state
// snapshot row (when one exists) is decoded over the caller's initial value,
// then each registered substate row is spliced over that. A missing or
// undecodable row leaves the corresponding value at its initial state; this
// is expected on first run.
//
// Construction fails with a storage error when the database cannot be opened
// or the key does not match, and with a misuse error on duplicate substate
// keys.
func Open[S any](ctx context.Context, cfg Config, initial S, substates ...Substate[S]) (*Store[S], error) {
	c := cfg.Codec
	if c == nil {
		c = codec.JSON{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	levels := cfg.LevelsOfUndo
	if levels < 0 {
		levels = 0
	}

	seen := make(map[string]bool, len(substates))
	for _, ss := range substates {
		if seen[ss.Key()] {
			return nil, misuseErr("open", fmt.Errorf("duplicate substate key %q", ss.Key()))
		}
		seen[ss.Key()] = true
	}

	d, err := db.Open(db.Params{
		Path:        cfg.Path,
		Key:         cfg.Key,
		BusyTimeout: cfg.BusyTimeout,
		MaxReaders:  cfg.MaxReaders,
	})
	if err != nil {
		return nil, storageErr("open", err)
	}

	table := cfg.Table
	if table == "" {
		table = "snapshots_" + codec.TypeIdent(reflect.TypeOf(initial))
	}
	if err := d.CreateSnapshotTable(ctx, table); err != nil {
		d.Close()
		return nil, storageErr("open", err)
	}

	s := &Store[S]{
		db:        d,
		codec:     c,
		log:       log,
		table:     table,
		levels:    levels,
		substates: substates,
		mu:        make(chan struct{}, 1),
		pub:       newPublished[S](),
		obs:       newObservers[S](),
	}

	restored := s.restore(ctx, initial)
	s.hist = newHistory(restored, levels)
	s.pub.set(restored, nil)
	s.obs.publish(Snapshot[S]{State: restored})

	log.Debug("store opened",
		"path", cfg.Path,
		"table", table,
		"levels_of_undo", levels,
		"substates", len(substates),
	)
	return s, nil
}

// restore layers durable rows over the initial value. Best effort throughout.
func (s *Store[S]) restore(ctx context.Context, initial S) S {
	state := initial

	if data, ok, err := s.db.LatestSnapshot(ctx, s.table); err != nil {
		s.log.Warn("snapshot restore failed, using initial state", "error", err)
	} else if ok {
		var decoded S
		if err := s.codec.Decode(data, &decoded); err != nil {
			s.log.Warn("snapshot decode failed, using initial state", "error", err)
		} else {
			state = decoded
		}
	}

	for _, ss := range s.substates {
		data, ok, err := s.db.LoadSubstate(ctx, ss.Key())
		if err != nil {
			s.log.Warn("substate restore failed", "key", ss.Key(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := ss.restore(s.codec, &state, data); err != nil {
			// Non-fatal per substate: the sub-tree keeps its initial value.
			s.log.Warn("substate decode failed", "key", ss.Key(), "error", err)
		}
	}
	return state
}

// acquire takes the update semaphore, honoring context cancellation while
// queued. A cancellation is the caller's, not the store's, so it is wrapped
// without a category and errors.Is(err, context.Canceled) holds. Returns a
// misuse error after Close.
func (s *Store[S]) acquire(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire writer: %w", ctx.Err())
	}
	if s.closed {
		<-s.mu
		return misuseErr("store", errors.New("store is closed"))
	}
	return nil
}

func (s *Store[S]) release() {
	<-s.mu
}

// Update runs transform against a working copy of the current state inside an
// exclusive write transaction, persists what the kind dictates, records the
// history transition, and publishes the new state.
//
// This is the throwing variant: the original error is returned unchanged
// (wrapped with its category) in addition to being published. On any failure
// the transaction is rolled back and the in-memory state is unchanged.
//
// Result values are captured by the transform closure; the Conn handle issues
// auxiliary statements inside the same transaction.
func (s *Store[S]) Update(ctx context.Context, kind UpdateKind, transform func(*S, Conn) error) error {
	return s.update(ctx, kind, false, transform)
}

func (s *Store[S]) update(ctx context.Context, kind UpdateKind, markPrevious bool, transform func(*S, Conn) error) error {
	if !kind.valid() {
		err := misuseErr("update", fmt.Errorf("invalid update kind %d", int(kind)))
		s.publishErr(err)
		return err
	}
	if err := s.acquire(ctx); err != nil {
		s.publishErr(err)
		return err
	}
	defer s.release()

	working, err := s.clone(s.hist.current())
	if err != nil {
		s.publishErr(err)
		return err
	}

	// Diff against the state the durable rows describe, not the in-memory
	// tail: a collapsing update must commit substate changes made during the
	// pending run even when its own transform leaves them alone.
	old := s.hist.persistedBase()

	// A cursor sitting mid-stack means this update discards a redo branch;
	// substate rows must stop describing the discarded states even for a
	// Pending update.
	reset := s.hist.hasRedo()

	err = s.db.Writer().RunExclusive(ctx, func(tx *db.Tx) error {
		if markPrevious {
			if err := tx.MarkLatestUndoable(ctx, s.table); err != nil {
				return storageErr("mark previous undoable", err)
			}
		}
		if err := transform(&working, tx); err != nil {
			return transformErr(err)
		}
		changed := !reflect.DeepEqual(old, working)
		return s.persist(ctx, tx, old, working, kind, changed, reset)
	})
	if err != nil {
		s.publishErr(err)
		return err
	}

	s.hist.record(working, kind)
	s.publishState(working)

	s.log.Debug("update committed",
		"kind", kind,
		"history_len", s.hist.length(),
	)
	return nil
}

// persist writes the rows an update's kind dictates, inside tx.
//
//	Critical          -> every substate unconditionally + whole-state row
//	Undoable, changed -> changed substates + whole-state row
//	Pending, reset    -> changed substates only (no whole-state row)
//	otherwise         -> nothing durable
func (s *Store[S]) persist(ctx context.Context, tx *db.Tx, old, new S, kind UpdateKind, changed, reset bool) error {
	switch {
	case kind == Critical:
		if err := s.saveSubstates(ctx, tx, old, new, true); err != nil {
			return err
		}
	case kind == Undoable && changed:
		if err := s.saveSubstates(ctx, tx, old, new, false); err != nil {
			return err
		}
	case kind == Pending && reset && changed:
		return s.saveSubstates(ctx, tx, old, new, false)
	default:
		return nil
	}

	data, err := s.codec.Encode(new)
	if err != nil {
		return encodingErr("encode snapshot", "", err)
	}
	if _, err := tx.AppendSnapshot(ctx, s.table, data, false); err != nil {
		return storageErr("append snapshot", err)
	}
	return nil
}

// saveSubstates upserts substate rows. With all set every registered substate
// is written regardless of equality (critical baseline); otherwise only the
// projections that changed between old and new.
func (s *Store[S]) saveSubstates(ctx context.Context, tx *db.Tx, old, new S, all bool) error {
	for _, ss := range s.substates {
		if !all && !ss.changed(old, new) {
			continue
		}
		data, err := ss.encode(s.codec, new)
		if err != nil {
			return err
		}
		if err := tx.UpsertSubstate(ctx, ss.Key(), data); err != nil {
			return storageErr("save substate", err)
		}
	}
	return nil
}

// Dispatch runs an action through the update protocol and swallows its
// failure: the error is published for observers and false is returned.
//
// An action implementing PreviousUndoableMarker flags the most recent
// persisted snapshot row as undoable before its transform runs.
func (s *Store[S]) Dispatch(ctx context.Context, action Action[S]) bool {
	_, markPrevious := any(action).(PreviousUndoableMarker)
	err := s.update(ctx, action.Kind(), markPrevious, action.Update)
	if err != nil {
		s.log.Debug("dispatch failed", "kind", action.Kind(), "error", err)
		return false
	}
	return true
}

// Query runs read-only work against a snapshot of the state and the reader
// connection pool. work must not mutate state; it only ever receives a copy.
// A failure is published exactly as for updates, and returned.
func (s *Store[S]) Query(ctx context.Context, work func(Conn, S) error) error {
	state, _ := s.pub.get()
	if err := work(s.db.Reader(), state); err != nil {
		wrapped := transformErr(err)
		s.publishErr(wrapped)
		return wrapped
	}
	return nil
}

// Undo steps the history cursor back one entry and reports whether it moved.
//
// Synchronous and best effort: when persisting the rolled-back substates
// fails, the failure is logged, the cursor stays put, state is unchanged,
// and no error is surfaced - navigation must never corrupt interactive state.
func (s *Store[S]) Undo(ctx context.Context) bool {
	return s.navigate(ctx, "undo", (*history[S]).undoTarget, (*history[S]).moveBack)
}

// Redo steps the history cursor forward one entry; Undo's mirror.
func (s *Store[S]) Redo(ctx context.Context) bool {
	return s.navigate(ctx, "redo", (*history[S]).redoTarget, (*history[S]).moveForward)
}

func (s *Store[S]) navigate(
	ctx context.Context,
	op string,
	target func(*history[S]) (S, S, bool),
	move func(*history[S]),
) bool {
	if err := s.acquire(ctx); err != nil {
		s.log.Warn(op+" unavailable", "error", err)
		return false
	}
	defer s.release()

	old, next, ok := target(s.hist)
	if !ok {
		return false
	}

	// Substate rows follow the navigation so durable state matches what the
	// caller now observes.
	err := s.db.Writer().RunExclusive(ctx, func(tx *db.Tx) error {
		return s.saveSubstates(ctx, tx, old, next, false)
	})
	if err != nil {
		s.log.Warn(op+" persistence failed, cursor unchanged", "error", err)
		return false
	}

	move(s.hist)
	s.publishState(next)
	return true
}

// Vacuum deletes whole-state snapshot rows per policy and returns the number
// removed. Irreversible, and independent of the in-memory undo window.
func (s *Store[S]) Vacuum(ctx context.Context, policy VacuumPolicy) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		s.publishErr(err)
		return 0, err
	}
	defer s.release()

	var removed int64
	err := s.db.Writer().RunExclusive(ctx, func(tx *db.Tx) error {
		var err error
		removed, err = tx.Vacuum(ctx, s.table, policy.policy)
		return err
	})
	if err != nil {
		wrapped := storageErr("vacuum", err)
		s.publishErr(wrapped)
		return 0, wrapped
	}
	return removed, nil
}

// OnCommit registers a hook on the underlying writer, invoked after every
// transaction ends. committed=false notifications are spurious from a state
// perspective; treat the published state, not the event, as ground truth.
func (s *Store[S]) OnCommit(fn func(committed bool)) {
	s.db.Writer().OnUpdate(fn)
}

// State returns a snapshot of the current state.
func (s *Store[S]) State() S {
	state, _ := s.pub.get()
	return state
}

// Err returns the last published failure, or nil after a success.
func (s *Store[S]) Err() error {
	_, err := s.pub.get()
	return err
}

// Subscribe returns a subscription delivering a snapshot whenever the state
// or the error changes.
func (s *Store[S]) Subscribe() *Subscription[S] {
	return s.obs.subscribe()
}

// Close releases both database handles and closes every subscription.
// Further operations fail with a misuse error.
func (s *Store[S]) Close() error {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()
	if s.closed {
		return nil
	}
	s.closed = true
	s.obs.close()
	if err := s.db.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}

// clone deep-copies a state value through the codec. The round trip is the
// one copy mechanism guaranteed correct for every registered state type.
func (s *Store[S]) clone(v S) (S, error) {
	var out S
	data, err := s.codec.Encode(v)
	if err != nil {
		return out, encodingErr("clone state", "", err)
	}
	if err := s.codec.Decode(data, &out); err != nil {
		return out, encodingErr("clone state", "", err)
	}
	return out, nil
}

func (s *Store[S]) publishState(state S) {
	s.pub.set(state, nil)
	s.obs.publish(Snapshot[S]{State: state})
}

func (s *Store[S]) publishErr(err error) {
	state := s.pub.fail(err)
	s.obs.publish(Snapshot[S]{State: state, Err: err})
}
