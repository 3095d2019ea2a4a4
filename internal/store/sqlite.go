package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	kind       TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	data       BLOB    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
`

const maxBusyRetries = 3

// SQLite is the default Store, one row per record.
type SQLite struct {
	db    *sql.DB
	path  string
	newID IDGenerator
}

// OpenSQLite opens (creating if needed) the database at path with WAL,
// busy_timeout, synchronous=NORMAL and foreign_keys pragmas applied.
// ":memory:" is accepted and pinned to a single connection.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &SQLite{db: db, path: path, newID: o.newID}, nil
}

func (s *SQLite) Name() string  { return "sqlite (" + s.path + ")" }
func (s *SQLite) NewID() string { return s.newID() }
func (s *SQLite) Close() error  { return s.db.Close() }

func (s *SQLite) Get(ctx context.Context, key Key) (Record, error) {
	return sqlGet(ctx, s.db, key)
}

func (s *SQLite) Put(ctx context.Context, rec *Record) error {
	if err := assignID(rec, s.newID); err != nil {
		return err
	}
	return withBusyRetry(ctx, func() error { return sqlPut(ctx, s.db, rec) })
}

func (s *SQLite) Delete(ctx context.Context, key Key) error {
	return withBusyRetry(ctx, func() error { return sqlDelete(ctx, s.db, key) })
}

func (s *SQLite) ListByKind(ctx context.Context, kind Kind) ([]Record, error) {
	return sqlList(ctx, s.db, kind)
}

// Update runs fn in a transaction, retrying the whole transaction on
// SQLITE_BUSY.
func (s *SQLite) Update(ctx context.Context, fn func(Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		if err := fn(&sqliteTx{ctx: ctx, tx: tx, newID: s.newID}); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	})
}

type sqliteTx struct {
	ctx   context.Context
	tx    *sql.Tx
	newID IDGenerator
}

func (t *sqliteTx) Get(key Key) (Record, error)            { return sqlGet(t.ctx, t.tx, key) }
func (t *sqliteTx) ListByKind(kind Kind) ([]Record, error) { return sqlList(t.ctx, t.tx, kind) }
func (t *sqliteTx) Delete(key Key) error                   { return sqlDelete(t.ctx, t.tx, key) }

func (t *sqliteTx) Put(rec *Record) error {
	if err := assignID(rec, t.newID); err != nil {
		return err
	}
	return sqlPut(t.ctx, t.tx, rec)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqlGet(ctx context.Context, q querier, key Key) (Record, error) {
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM records WHERE kind = ? AND id = ?`,
		string(key.Kind), key.ID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s: %w", key, err)
	}
	return Record{Key: key, Data: data}, nil
}

func sqlPut(ctx context.Context, q querier, rec *Record) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (kind, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(rec.Kind), rec.ID, rec.Data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", rec.Key, err)
	}
	return nil
}

func sqlDelete(ctx context.Context, q querier, key Key) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND id = ?`, string(key.Kind), key.ID,
	); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func sqlList(ctx context.Context, q querier, kind Kind) ([]Record, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, data FROM records WHERE kind = ? ORDER BY rowid`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Key: Key{Kind: kind}}
		if err := rows.Scan(&rec.ID, &rec.Data); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// isBusy reports whether err indicates an SQLite BUSY condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs fn up to three times with 100/200/300 ms backoff while
// it fails with SQLITE_BUSY.
func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := range maxBusyRetries {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		if i == maxBusyRetries-1 {
			break
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("store: context cancelled during retry: %w", ctx.Err())
		case <-t.C:
		}
	}
	return err
}
