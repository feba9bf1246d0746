/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Durable storage for every engine record (stores, products, escrows,
  loyalty programs and accounts, credit scores, loans, payments, receipts)
  and the append-only journal.

KEY TABLES:
  records:  versioned JSON documents addressed by key
  entries:  immutable journal, idempotency_key is UNIQUE

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the entries table
  - Records change only through PutIf (UPDATE ... WHERE version = ?)

CONCURRENCY:
  The pool is limited to one connection, so SQLite sees a single writer
  and ":memory:" databases are shared by every query. WithTx is serialized
  by a mutex; everything inside fn goes through the *sql.Tx.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/sodap/settlement-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Versioned records
	CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		version INTEGER NOT NULL,
		data_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);

	-- Journal (append-only)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entry_type TEXT NOT NULL,
		account TEXT NOT NULL,
		store_id TEXT,
		subject TEXT,
		delta INTEGER NOT NULL,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account ON entries(account);
	CREATE INDEX IF NOT EXISTS idx_entries_store ON entries(store_id);
	CREATE INDEX IF NOT EXISTS idx_entries_reference ON entries(reference_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// RECORDS
// =============================================================================

func (s *Store) Get(ctx context.Context, key ledger.Key) (ledger.Record, bool, error) {
	return getRecord(ctx, s.db, key)
}

func (s *Store) Create(ctx context.Context, key ledger.Key, data []byte) error {
	return createRecord(ctx, s.db, key, data)
}

func (s *Store) PutIf(ctx context.Context, key ledger.Key, expected int64, data []byte) error {
	return putRecordIf(ctx, s.db, key, expected, data)
}

func (s *Store) List(ctx context.Context, prefix ledger.Key) ([]ledger.Record, error) {
	return listRecords(ctx, s.db, prefix)
}

func getRecord(ctx context.Context, q querier, key ledger.Key) (ledger.Record, bool, error) {
	var (
		rec       ledger.Record
		data      string
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT key, version, data_json, updated_at FROM records WHERE key = ?`, string(key),
	).Scan(&rec.Key, &rec.Version, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, true, nil
}

func createRecord(ctx context.Context, q querier, key ledger.Key, data []byte) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records (key, kind, version, data_json, updated_at) VALUES (?, ?, 1, ?, ?)`,
		string(key), key.Kind(), string(data), now())
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", key, ledger.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

func putRecordIf(ctx context.Context, q querier, key ledger.Key, expected int64, data []byte) error {
	res, err := q.ExecContext(ctx,
		`UPDATE records SET version = version + 1, data_json = ?, updated_at = ?
		 WHERE key = ? AND version = ?`,
		string(data), now(), string(key), expected)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	_, found, err := getRecord(ctx, q, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", key, ledger.ErrNotFound)
	}
	return fmt.Errorf("%s expected version %d: %w", key, expected, ledger.ErrVersionConflict)
}

func listRecords(ctx context.Context, q querier, prefix ledger.Key) ([]ledger.Record, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT key, version, data_json, updated_at FROM records
		 WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), string(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			rec       ledger.Record
			data      string
			updatedAt string
		)
		if err := rows.Scan(&rec.Key, &rec.Version, &data, &updatedAt); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// JOURNAL
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, s.db, e)
}

func (s *Store) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db, f)
}

func appendEntry(ctx context.Context, q querier, e ledger.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (id, entry_type, account, store_id, subject, delta,
			reference_id, idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Account, nullString(string(e.StoreID)), nullString(string(e.Subject)),
		e.Delta, nullString(e.ReferenceID), nullString(e.IdempotencyKey), metadata,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", e.IdempotencyKey, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func queryEntries(ctx context.Context, q querier, f ledger.EntryFilter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.Account != "" {
		add("account = ?", f.Account)
	}
	if f.AccountPrefix != "" {
		add("substr(account, 1, ?) = ?", len(f.AccountPrefix))
		args = append(args, f.AccountPrefix)
	}
	if f.StoreID != "" {
		add("store_id = ?", string(f.StoreID))
	}
	if f.Subject != "" {
		add("subject = ?", string(f.Subject))
	}
	if f.ReferenceID != "" {
		add("reference_id = ?", f.ReferenceID)
	}
	if f.IdempotencyKey != "" {
		add("idempotency_key = ?", f.IdempotencyKey)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "entry_type IN ("+strings.Join(marks, ",")+")")
	}

	const columns = `id, entry_type, account, store_id, subject, delta, reference_id,
		idempotency_key, metadata_json, created_at`
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}
	query := `SELECT ` + columns + ` FROM entries` + filter + ` ORDER BY seq`
	if f.Limit > 0 {
		// Newest N, returned oldest first.
		query = `SELECT ` + columns + ` FROM (SELECT seq, ` + columns + ` FROM entries` + filter +
			` ORDER BY seq DESC LIMIT ?) ORDER BY seq`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                                   ledger.Entry
		entryType, createdAt                string
		storeID, subject, refID, idem, meta sql.NullString
	)
	if err := rows.Scan(&e.ID, &entryType, &e.Account, &storeID, &subject, &e.Delta,
		&refID, &idem, &meta, &createdAt); err != nil {
		return e, err
	}
	e.Type = ledger.EntryType(entryType)
	e.StoreID = ledger.StoreID(storeID.String)
	e.Subject = ledger.UserID(subject.String)
	e.ReferenceID = refID.String
	e.IdempotencyKey = idem.String
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode metadata: %w", err)
		}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// txStore routes every call through the open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, key ledger.Key) (ledger.Record, bool, error) {
	return getRecord(ctx, ts.tx, key)
}

func (ts *txStore) Create(ctx context.Context, key ledger.Key, data []byte) error {
	return createRecord(ctx, ts.tx, key, data)
}

func (ts *txStore) PutIf(ctx context.Context, key ledger.Key, expected int64, data []byte) error {
	return putRecordIf(ctx, ts.tx, key, expected, data)
}

func (ts *txStore) List(ctx context.Context, prefix ledger.Key) ([]ledger.Record, error) {
	return listRecords(ctx, ts.tx, prefix)
}

func (ts *txStore) Append(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
