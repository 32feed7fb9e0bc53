package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "snapshots_test_state"

func openSnapshotDB(t *testing.T) *DB {
	t.Helper()
	d := openTestDB(t)
	require.NoError(t, d.CreateSnapshotTable(context.Background(), testTable))
	return d
}

func appendRow(t *testing.T, d *DB, data string, undoable bool) int64 {
	t.Helper()
	var id int64
	err := d.Writer().RunExclusive(context.Background(), func(tx *Tx) error {
		var err error
		id, err = tx.AppendSnapshot(context.Background(), testTable, []byte(data), undoable)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestSnapshot_AppendAndLatest(t *testing.T) {
	d := openSnapshotDB(t)
	ctx := context.Background()

	appendRow(t, d, "one", false)
	appendRow(t, d, "two", false)
	appendRow(t, d, "three", true)

	data, ok, err := d.LatestSnapshot(ctx, testTable)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("three"), data)

	n, err := d.SnapshotCount(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSnapshot_MarkLatestUndoable(t *testing.T) {
	d := openSnapshotDB(t)
	ctx := context.Background()

	// No rows: marking is a no-op
	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		return tx.MarkLatestUndoable(ctx, testTable)
	}))

	first := appendRow(t, d, "one", false)
	last := appendRow(t, d, "two", false)

	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		return tx.MarkLatestUndoable(ctx, testTable)
	}))

	var flag int
	require.NoError(t, d.Reader().QueryRow(
		`SELECT undoable FROM `+testTable+` WHERE id = ?`, last).Scan(&flag))
	assert.Equal(t, 1, flag)

	require.NoError(t, d.Reader().QueryRow(
		`SELECT undoable FROM `+testTable+` WHERE id = ?`, first).Scan(&flag))
	assert.Equal(t, 0, flag, "only the most recent row is flagged")
}

func TestVacuum_CopiesBeyond(t *testing.T) {
	d := openSnapshotDB(t)
	ctx := context.Background()

	for _, data := range []string{"a", "b", "c", "d"} {
		appendRow(t, d, data, false)
	}

	var removed int64
	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		var err error
		removed, err = tx.Vacuum(ctx, testTable, CopiesBeyond(1))
		return err
	}))
	assert.Equal(t, int64(3), removed)

	// Exactly one row left, the most recent
	n, err := d.SnapshotCount(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, ok, err := d.LatestSnapshot(ctx, testTable)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("d"), data)
}

func TestVacuum_CopiesBeyond_ClampsToOne(t *testing.T) {
	d := openSnapshotDB(t)
	ctx := context.Background()

	appendRow(t, d, "a", false)
	appendRow(t, d, "b", false)

	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		_, err := tx.Vacuum(ctx, testTable, CopiesBeyond(0))
		return err
	}))

	n, err := d.SnapshotCount(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the most recent row survives a zero-count vacuum")
}

func TestVacuum_OlderThan(t *testing.T) {
	d := openSnapshotDB(t)
	ctx := context.Background()

	appendRow(t, d, "old", false)
	appendRow(t, d, "new", false)

	// A cutoff in the future removes everything before it
	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		n, err := tx.Vacuum(ctx, testTable, OlderThan(time.Now().Add(time.Hour)))
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), n)
		return nil
	}))

	// A cutoff in the past removes nothing
	appendRow(t, d, "kept", false)
	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		n, err := tx.Vacuum(ctx, testTable, OlderThan(time.Now().Add(-time.Hour)))
		if err != nil {
			return err
		}
		assert.Equal(t, int64(0), n)
		return nil
	}))
}

func TestSubstate_UpsertLoadDelete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, ok, err := d.LoadSubstate(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		if err := tx.UpsertSubstate(ctx, "profile", []byte(`{"zip":"90210"}`)); err != nil {
			return err
		}
		// Replace in the same transaction
		return tx.UpsertSubstate(ctx, "profile", []byte(`{"zip":"12345"}`))
	}))

	value, ok, err := d.LoadSubstate(ctx, "profile")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"zip":"12345"}`), value)

	require.NoError(t, d.Writer().RunExclusive(ctx, func(tx *Tx) error {
		return tx.DeleteSubstate(ctx, "profile")
	}))
	_, ok, err = d.LoadSubstate(ctx, "profile")
	require.NoError(t, err)
	assert.False(t, ok)
}
