package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Writer serializes write transactions against the single writer connection.
//
// At most one transaction is ever in flight: RunExclusive holds an internal
// mutex for the full begin..commit window, so transactions never interleave
// and a transaction's effects are atomic with respect to every other writer.
//
// Thread-safety model:
//   - RunExclusive(): safe from any goroutine; callers queue on the mutex
//   - OnUpdate(): safe from any goroutine
//
// Hooks registered via OnUpdate run after commit AND after rollback. A
// rollback notification signals "nothing durable changed"; listeners must
// treat the published state value, not the event itself, as ground truth.
type Writer struct {
	db *sql.DB

	mu    sync.Mutex // serializes transactions
	hooks struct {
		sync.Mutex
		fns []func(committed bool)
	}
}

func newWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Tx is the transaction handle passed to exclusive work. It embeds *sql.Tx,
// so callers issue auxiliary statements directly; the snapshot and substate
// helpers in this package hang off it.
type Tx struct {
	*sql.Tx
}

// RunExclusive runs work inside an exclusive write transaction.
//
// The transaction begins with BEGIN IMMEDIATE semantics (the write lock is
// taken up front) and is committed when work returns nil. Any error - from
// work or from commit - rolls the transaction back and is returned; no exit
// path leaves a transaction open.
func (w *Writer) RunExclusive(ctx context.Context, work func(tx *Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := work(&Tx{Tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		w.notify(false)
		return err
	}

	if err := tx.Commit(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			err = fmt.Errorf("commit transaction: %w (rollback: %v)", err, rbErr)
		} else {
			err = fmt.Errorf("commit transaction: %w", err)
		}
		w.notify(false)
		return err
	}

	w.notify(true)
	return nil
}

// OnUpdate registers a hook invoked after every transaction ends, with
// committed reporting whether the transaction was durably applied.
func (w *Writer) OnUpdate(fn func(committed bool)) {
	w.hooks.Lock()
	defer w.hooks.Unlock()
	w.hooks.fns = append(w.hooks.fns, fn)
}

func (w *Writer) notify(committed bool) {
	w.hooks.Lock()
	fns := w.hooks.fns
	w.hooks.Unlock()

	for _, fn := range fns {
		fn(committed)
	}
}
