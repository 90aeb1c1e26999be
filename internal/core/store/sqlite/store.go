// Package sqlite is the persistent store backend. Rows live in a single
// key-value table; every mutation also appends to a changelog whose
// AUTOINCREMENT sequence doubles as the resume marker, so watches
// survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    tbl    TEXT NOT NULL,
    key    TEXT NOT NULL,
    value  BLOB NOT NULL,
    PRIMARY KEY (tbl, key)
);

CREATE TABLE IF NOT EXISTS changelog (
    seq    INTEGER PRIMARY KEY AUTOINCREMENT,
    tbl    TEXT NOT NULL,
    key    TEXT NOT NULL,
    kind   INTEGER NOT NULL,
    value  BLOB,
    origin TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_changelog_tbl ON changelog(tbl, seq);
`

// pollInterval bounds the latency between a committed write and its
// delivery to watchers.
const pollInterval = 100 * time.Millisecond

var _ store.Store = (*Store)(nil)

// Store is a store.Store persisted in a SQLite database file.
type Store struct {
	db     *sql.DB
	logger log.Log

	// writeMu serializes writers so a row update and its changelog
	// entry commit as one transaction without busy retries.
	writeMu sync.Mutex

	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger log.Log) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store open", log.String("path", path))
	return &Store{
		db:     db,
		logger: logger.With(log.String("component", "sqlite-store")),
		tables: make(map[string]*table),
	}, nil
}

// Table returns a handle for the named table, creating it on first use.
func (s *Store) Table(name string) store.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &table{store: s, name: name}
		s.tables[name] = t
	}
	return t
}

// Close closes the database. Active watches drain on their next poll.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ store.Table = (*table)(nil)

type table struct {
	store *Store
	name  string
}

func (t *table) Name() string { return t.name }

func (t *table) Put(ctx context.Context, key string, value []byte) error {
	s := t.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv (tbl, key, value) VALUES (?, ?, ?)
		ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value`,
		t.name, key, value,
	); err != nil {
		return fmt.Errorf("put row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO changelog (tbl, key, kind, value, origin) VALUES (?, ?, ?, ?, ?)`,
		t.name, key, int(store.PutChange), value, store.OriginFromContext(ctx),
	); err != nil {
		return fmt.Errorf("append changelog: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *table) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.store.db.QueryRowContext(ctx, `
		SELECT value FROM kv WHERE tbl = ? AND key = ?`, t.name, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	return value, nil
}

func (t *table) Delete(ctx context.Context, key string) error {
	s := t.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM kv WHERE tbl = ? AND key = ?`, t.name, key)
	if err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		// Deleting a missing row is not an error and not a change.
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO changelog (tbl, key, kind, origin) VALUES (?, ?, ?, ?)`,
		t.name, key, int(store.DeleteChange), store.OriginFromContext(ctx),
	); err != nil {
		return fmt.Errorf("append changelog: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *table) Scan(ctx context.Context, start, end string) ([]store.KeyValue, error) {
	query := `SELECT key, value FROM kv WHERE tbl = ? AND key >= ?`
	args := []any{t.name, start}
	if end != "" {
		query += ` AND key < ?`
		args = append(args, end)
	}
	query += ` ORDER BY key ASC`

	rows, err := t.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// Snapshot reads the table and the changelog head in one read
// transaction so the marker is exact for the returned rows.
func (t *table) Snapshot(ctx context.Context) ([]store.KeyValue, store.ResumeMarker, error) {
	tx, err := t.store.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT key, value FROM kv WHERE tbl = ? ORDER BY key ASC`, t.name)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot rows: %w", err)
	}
	items, err := collectRows(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	seq, err := headSeq(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	return items, store.MarkerFromSeq(seq), nil
}

// Watch streams changelog entries for this table after the marker. The
// changelog is retained indefinitely, so a nil marker replays from the
// first recorded change.
func (t *table) Watch(ctx context.Context, from store.ResumeMarker) (<-chan store.ChangeEvent, error) {
	seq, err := store.SeqFromMarker(from)
	if err != nil {
		return nil, err
	}
	head, err := headSeq(ctx, t.store.db)
	if err != nil {
		return nil, err
	}
	if seq > head {
		return nil, store.ErrBadResumeMarker
	}

	ch := make(chan store.ChangeEvent, 16)
	go t.watchLoop(ctx, seq, ch)
	return ch, nil
}

func (t *table) watchLoop(ctx context.Context, after uint64, ch chan<- store.ChangeEvent) {
	defer close(ch)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		next, err := t.emitChanges(ctx, after, ch)
		if err != nil {
			if ctx.Err() == nil && !t.store.isClosed() {
				t.store.logger.Warn("watch poll failed",
					log.String("table", t.name), log.Error(err))
			}
			return
		}
		after = next

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *table) emitChanges(ctx context.Context, after uint64, ch chan<- store.ChangeEvent) (uint64, error) {
	rows, err := t.store.db.QueryContext(ctx, `
		SELECT seq, key, kind, value, origin FROM changelog
		WHERE tbl = ? AND seq > ? ORDER BY seq ASC`, t.name, after)
	if err != nil {
		return after, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq    uint64
			key    string
			kind   int
			value  []byte
			origin string
		)
		if err := rows.Scan(&seq, &key, &kind, &value, &origin); err != nil {
			return after, err
		}
		ev := store.ChangeEvent{
			Table:  t.name,
			Row:    key,
			Kind:   store.ChangeKind(kind),
			Value:  value,
			Resume: store.MarkerFromSeq(seq),
			Origin: origin,
		}
		select {
		case ch <- ev:
			after = seq
		case <-ctx.Done():
			return after, ctx.Err()
		}
	}
	return after, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headSeq(ctx context.Context, q querier) (uint64, error) {
	var head sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(seq) FROM changelog`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("read changelog head: %w", err)
	}
	if !head.Valid {
		return 0, nil
	}
	return uint64(head.Int64), nil
}

func collectRows(rows *sql.Rows) ([]store.KeyValue, error) {
	var items []store.KeyValue
	for rows.Next() {
		var kv store.KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		items = append(items, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}
