package rewind

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindkit/rewind/internal/codec"
	"github.com/rewindkit/rewind/internal/db"
)

func TestNewSubstate_NormalizesKey(t *testing.T) {
	ss := NewSubstate("café",
		func(s appState) string { return s.Zip },
		func(s *appState, v string) { s.Zip = v })

	assert.Equal(t, "café", ss.Key())
}

func TestSubstate_EncodeRestoreRoundTrip(t *testing.T) {
	ss := profileSubstate()
	c := codec.JSON{}

	state := appState{Profile: userProfile{Theme: "dark", FontSize: 14}}
	data, err := ss.encode(c, state)
	require.NoError(t, err)

	var out appState
	require.NoError(t, ss.restore(c, &out, data))
	assert.Equal(t, state.Profile, out.Profile)
	assert.Zero(t, out.Zip, "restore touches only the projection")
}

func TestSubstate_RestoreBadDataIsEncodingError(t *testing.T) {
	ss := profileSubstate()

	var out appState
	err := ss.restore(codec.JSON{}, &out, []byte("{not json"))
	require.Error(t, err)
	assert.True(t, IsEncoding(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "profile", e.Key)
}

func TestSubstate_Changed(t *testing.T) {
	ss := profileSubstate()

	a := appState{Profile: userProfile{Theme: "dark"}}
	b := a
	assert.False(t, ss.changed(a, b))

	b.Profile.Theme = "light"
	assert.True(t, ss.changed(a, b))

	// Changes outside the projection do not count
	b = a
	b.Zip = "00000"
	assert.False(t, ss.changed(a, b))
}

// A substate row written after the last whole-state snapshot wins on restore.
func TestRestore_SubstateRowOverridesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s := openTestStore(t, cfg, zipSubstate())
	require.NoError(t, s.Update(ctx, Undoable, setZip("11111")))

	err := s.db.Writer().RunExclusive(ctx, func(tx *db.Tx) error {
		return tx.UpsertSubstate(ctx, "zip", []byte(`"22222"`))
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, cfg, zipSubstate())
	assert.Equal(t, "22222", reopened.State().Zip)
}

// An undecodable substate row falls back to the layer beneath it.
func TestRestore_CorruptSubstateRowFallsBack(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s := openTestStore(t, cfg, zipSubstate())
	require.NoError(t, s.Update(ctx, Undoable, setZip("11111")))

	err := s.db.Writer().RunExclusive(ctx, func(tx *db.Tx) error {
		return tx.UpsertSubstate(ctx, "zip", []byte("{corrupt"))
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, cfg, zipSubstate())
	assert.Equal(t, "11111", reopened.State().Zip,
		"snapshot layer survives a broken substate row")
}

// A critical update rewrites every substate row even when nothing changed.
func TestCritical_RewritesUnchangedRows(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s := openTestStore(t, cfg, zipSubstate())
	require.NoError(t, s.Update(ctx, Undoable, setZip("11111")))

	err := s.db.Writer().RunExclusive(ctx, func(tx *db.Tx) error {
		return tx.UpsertSubstate(ctx, "zip", []byte("{corrupt"))
	})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, Critical, func(*appState, Conn) error {
		return nil // no-op transform
	}))

	value, ok, err := s.db.LoadSubstate(ctx, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"11111"`, string(value))
}

// An unchanged undoable update persists nothing new.
func TestUndoable_NoChangeSkipsPersistence(t *testing.T) {
	s := openTestStore(t, testConfig(t), zipSubstate())
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, Undoable, func(*appState, Conn) error {
		return nil
	}))

	n, err := s.db.SnapshotCount(ctx, s.table)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok, err := s.db.LoadSubstate(ctx, "zip")
	require.NoError(t, err)
	assert.False(t, ok)
}

// A pending update that discards a redo branch must realign substate rows.
func TestPending_CursorResetPersistsSubstates(t *testing.T) {
	s := openTestStore(t, testConfig(t), zipSubstate())
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, Undoable, setZip("1")))
	require.NoError(t, s.Update(ctx, Undoable, setZip("2")))
	require.True(t, s.Undo(ctx))

	require.NoError(t, s.Update(ctx, Pending, setZip("3")))

	value, ok, err := s.db.LoadSubstate(ctx, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"3"`, string(value),
		"rows no longer describe the discarded branch")
}

// Collapsing a pending run commits substate changes made during the run,
// even ones the collapsing transform never touches.
func TestCollapse_PersistsPendingSubstateChanges(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s := openTestStore(t, cfg, zipSubstate())
	require.NoError(t, s.Update(ctx, Undoable, setZip("1")))
	require.NoError(t, s.Update(ctx, Pending, setZip("2")))

	// The commit touches a different field entirely
	require.NoError(t, s.Update(ctx, Undoable, func(st *appState, _ Conn) error {
		st.Counter++
		return nil
	}))

	value, ok, err := s.db.LoadSubstate(ctx, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"2"`, string(value))

	require.NoError(t, s.Close())
	reopened := openTestStore(t, cfg, zipSubstate())
	assert.Equal(t, "2", reopened.State().Zip, "reopen matches the last published state")
	assert.Equal(t, 1, reopened.State().Counter)
}

// Even a no-op commit makes the pending run it collapses durable.
func TestCollapse_NoOpCommitMakesPendingDurable(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s := openTestStore(t, cfg, zipSubstate())
	require.NoError(t, s.Update(ctx, Pending, setZip("2")))
	require.NoError(t, s.Update(ctx, Undoable, func(*appState, Conn) error {
		return nil
	}))

	value, ok, err := s.db.LoadSubstate(ctx, "zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"2"`, string(value))

	n, err := s.db.SnapshotCount(ctx, s.table)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the collapsed run gets its whole-state row")

	require.NoError(t, s.Close())
	reopened := openTestStore(t, cfg, zipSubstate())
	assert.Equal(t, "2", reopened.State().Zip)
}

// An ordinary pending update leaves durable state untouched.
func TestPending_NoResetPersistsNothing(t *testing.T) {
	s := openTestStore(t, testConfig(t), zipSubstate())
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, Pending, setZip("3")))

	_, ok, err := s.db.LoadSubstate(ctx, "zip")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.db.SnapshotCount(ctx, s.table)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
