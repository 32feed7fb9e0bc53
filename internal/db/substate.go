package db

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertSubstate writes the encoded value for a substate key, replacing any
// previous row. INSERT OR REPLACE keeps the statement idempotent: re-saving
// an identical value still refreshes the row.
func (tx *Tx) UpsertSubstate(ctx context.Context, key string, value []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO substates (key, value) VALUES (?, ?)`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert substate %q: %w", key, err)
	}
	return nil
}

// LoadSubstate reads the encoded value for a substate key.
// ok is false when no row exists (expected on first run).
func (d *DB) LoadSubstate(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = d.read.QueryRowContext(ctx,
		`SELECT value FROM substates WHERE key = ?`, key,
	).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("load substate %q: %w", key, err)
	}
	return value, true, nil
}

// DeleteSubstate removes a substate row. Unregistered keys left behind by an
// earlier schema of the application are cleaned up with this.
func (tx *Tx) DeleteSubstate(ctx context.Context, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM substates WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete substate %q: %w", key, err)
	}
	return nil
}
