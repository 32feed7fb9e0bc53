package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VacuumPolicy selects which whole-state snapshot rows a vacuum deletes.
// Construct with OlderThan or CopiesBeyond. Vacuuming is irreversible and
// independent of any in-memory undo window.
type VacuumPolicy struct {
	cutoff   time.Time
	maxCount int
	byAge    bool
}

// OlderThan deletes snapshot rows with a timestamp before cutoff.
func OlderThan(cutoff time.Time) VacuumPolicy {
	return VacuumPolicy{cutoff: cutoff.UTC(), byAge: true}
}

// CopiesBeyond retains only the maxCount most recent snapshot rows.
// maxCount is clamped to >= 1 so a vacuum can never delete the row the next
// open rehydrates from.
func CopiesBeyond(maxCount int) VacuumPolicy {
	if maxCount < 1 {
		maxCount = 1
	}
	return VacuumPolicy{maxCount: maxCount}
}

// AppendSnapshot inserts a whole-state snapshot row and returns its id.
// The timestamp column defaults to the current time at the engine.
func (tx *Tx) AppendSnapshot(ctx context.Context, table string, data []byte, undoable bool) (int64, error) {
	flag := 0
	if undoable {
		flag = 1
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (data, undoable) VALUES (?, ?)`, table),
		data, flag,
	)
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append snapshot: last insert id: %w", err)
	}
	return id, nil
}

// MarkLatestUndoable sets the undoable flag on the most recent snapshot row.
// A store with no snapshot rows yet is a no-op.
func (tx *Tx) MarkLatestUndoable(ctx context.Context, table string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %[1]s SET undoable = 1
		 WHERE id = (SELECT id FROM %[1]s ORDER BY timestamp DESC, id DESC LIMIT 1)`, table))
	if err != nil {
		return fmt.Errorf("mark latest undoable: %w", err)
	}
	return nil
}

// LatestSnapshot returns the data of the most recent snapshot row.
// ok is false when the table holds no rows (first run).
//
// Ordering ties on timestamp are broken by id so the result is deterministic.
func (d *DB) LatestSnapshot(ctx context.Context, table string) (data []byte, ok bool, err error) {
	if err := validateIdent(table); err != nil {
		return nil, false, err
	}
	err = d.read.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT data FROM %s ORDER BY timestamp DESC, id DESC LIMIT 1`, table,
	)).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return data, true, nil
}

// SnapshotCount returns the number of snapshot rows. Used by vacuum callers
// and tests.
func (d *DB) SnapshotCount(ctx context.Context, table string) (int, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	var n int
	if err := d.read.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// Vacuum deletes snapshot rows according to policy and returns the number of
// rows removed.
func (tx *Tx) Vacuum(ctx context.Context, table string, policy VacuumPolicy) (int64, error) {
	var res sql.Result
	var err error
	if policy.byAge {
		res, err = tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table),
			policy.cutoff.Format("2006-01-02T15:04:05.000Z"),
		)
	} else {
		res, err = tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %[1]s WHERE id NOT IN (
				SELECT id FROM %[1]s ORDER BY timestamp DESC, id DESC LIMIT ?
			)`, table),
			policy.maxCount,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("vacuum snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vacuum snapshots: rows affected: %w", err)
	}
	return n, nil
}
