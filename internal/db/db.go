// Package db owns the SQLite connection pair and the row-level persistence
// the store is built on: whole-state snapshot rows, keyed substate rows, and
// the exclusive write transaction discipline.
//
// Values cross this boundary as opaque bytes; encoding belongs to the codec.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - substates + rewind_meta tables
const currentSchemaVersion = 1

// metaKeyDigest is the rewind_meta row holding the key verification canary.
const metaKeyDigest = "key_digest"

// DefaultBusyTimeout is applied when Params does not set one.
const DefaultBusyTimeout = 5 * time.Second

// Params configures Open.
type Params struct {
	// Path is the database file path. Required.
	Path string

	// Key is the optional encryption key. It is forwarded to the engine via
	// PRAGMA key (effective on SQLCipher-enabled builds) and verified against
	// a digest canary stored in rewind_meta, so a wrong key fails Open on
	// every build.
	Key string

	// BusyTimeout bounds lock contention waits. Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration

	// MaxReaders caps the reader pool. Zero means the database/sql default.
	MaxReaders int
}

// DB is the connection pair: one serialized writer handle and a pool of
// read-only reader connections against the same database file.
//
// Thread-safety model:
//   - Writer(): all mutations, serialized by the Writer's exclusive section
//   - Reader(): concurrent read-only queries from any goroutine
type DB struct {
	writer *Writer
	write  *sql.DB
	read   *sql.DB
}

// Open opens (creating if necessary) the database at p.Path and prepares the
// connection pair.
//
// The writer handle is limited to a single connection; readers are a separate
// pool opened with _query_only so a misbehaving query cannot mutate state.
// Both sides run in WAL mode so reads proceed concurrently with a write and
// never observe a torn transaction.
//
// This function is idempotent - safe to call multiple times on the same path.
func Open(p Params) (*DB, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("open database: path is required")
	}
	timeout := p.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}

	write, err := sql.Open("sqlite3", dsn(p.Path, timeout, false))
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY between our own transactions.
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)

	if err := write.Ping(); err != nil {
		write.Close()
		return nil, fmt.Errorf("connect writer: %w", err)
	}

	if p.Key != "" {
		// No-op on stock builds; unlocks the file on SQLCipher builds.
		if _, err := write.Exec(fmt.Sprintf("PRAGMA key = %s", quoteSQL(p.Key))); err != nil {
			write.Close()
			return nil, fmt.Errorf("apply key: %w", err)
		}
	}

	if err := applySchema(write); err != nil {
		write.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := verifyKey(write, p.Key); err != nil {
		write.Close()
		return nil, err
	}

	read, err := sql.Open("sqlite3", dsn(p.Path, timeout, true))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open readers: %w", err)
	}
	if p.MaxReaders > 0 {
		read.SetMaxOpenConns(p.MaxReaders)
	}
	if err := read.Ping(); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("connect readers: %w", err)
	}

	return &DB{
		writer: newWriter(write),
		write:  write,
		read:   read,
	}, nil
}

// Close closes both sides of the connection pair.
func (d *DB) Close() error {
	var first error
	if d.read != nil {
		if err := d.read.Close(); err != nil {
			first = err
		}
	}
	if d.write != nil {
		if err := d.write.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Writer returns the exclusive write serializer.
func (d *DB) Writer() *Writer {
	return d.writer
}

// Reader returns the read-only connection pool.
func (d *DB) Reader() *sql.DB {
	return d.read
}

// dsn builds a go-sqlite3 DSN with the pragmas applied per connection.
// DSN parameters (rather than an Exec loop) are required for the reader side:
// pragmas are connection-scoped and the pool opens connections lazily.
func dsn(path string, busyTimeout time.Duration, readOnly bool) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	if readOnly {
		q.Set("_query_only", "on")
	} else {
		// Transactions take the write lock up front (BEGIN IMMEDIATE), so an
		// exclusive section never deadlocks against a lazy lock upgrade.
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// applySchema creates shared tables and runs migrations. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// verifyKey checks the supplied key against the stored canary digest.
// On first open the digest is recorded; on later opens a mismatch fails.
//
// The digest proves the caller holds the same key the store was created with;
// it is not the encryption mechanism itself (that belongs to the engine).
func verifyKey(db *sql.DB, key string) error {
	digest := sha256.Sum256([]byte("rewind:" + key))

	var stored []byte
	err := db.QueryRow(`SELECT value FROM rewind_meta WHERE name = ?`, metaKeyDigest).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(
			`INSERT INTO rewind_meta (name, value) VALUES (?, ?)`,
			metaKeyDigest, digest[:],
		); err != nil {
			return fmt.Errorf("record key digest: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read key digest: %w", err)
	}

	if string(stored) != string(digest[:]) {
		return fmt.Errorf("verify key: key does not match the store")
	}
	return nil
}

// CreateSnapshotTable creates the whole-state snapshot table for a state
// type, plus its timestamp and undoable indexes. Idempotent.
//
// The table name must come from codec.TypeIdent (or equally restricted
// configuration); it is interpolated, not parameterized, because SQLite does
// not parameterize identifiers.
func (d *DB) CreateSnapshotTable(ctx context.Context, table string) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			data      BLOB NOT NULL,
			timestamp TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now')),
			undoable  INTEGER NOT NULL DEFAULT 0
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_undoable ON %s(undoable)`, table, table),
	}
	for _, stmt := range stmts {
		if _, err := d.write.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create snapshot table %s: %w", table, err)
		}
	}
	return nil
}

// validateIdent rejects table names that could break out of an identifier
// position. Names come from TypeIdent or vetted configuration.
func validateIdent(name string) error {
	if name == "" {
		return fmt.Errorf("table name is empty")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// quoteSQL single-quotes a string literal for pragma positions, which do not
// accept bound parameters.
func quoteSQL(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
