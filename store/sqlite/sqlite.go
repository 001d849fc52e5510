/*
Package sqlite provides a SQLite-backed implementation of docstore.Store.

PURPOSE:
  Persists every collection (students, attendance, payments, holidays,
  auditLogs, users, expenses) as JSON documents in a single table, and
  evaluates document queries with SQLite's JSON1 functions.

KEY TABLE:
  documents(collection, id, data, updated_at)  PRIMARY KEY(collection, id)

INDEXES:
  Expression indexes back the access paths the domain relies on:
  - idx_payments_student_date:  payments by (studentId, date DESC)
  - idx_payments_date:          payments by (date ASC)
  - idx_audit_entity_timestamp: auditLogs by (entityId, timestamp DESC)
  - idx_audit_type_timestamp:   auditLogs by (type, timestamp DESC)
  - idx_attendance_date:        attendance day documents by date
  - idx_students_status:        students by enrollmentStatus
  Query() emits json_extract(data, '$.<field>') exactly as indexed so the
  planner can use them.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process and opens the
  database with _txlock=immediate so Update() holds the write lock for the
  whole read-modify-write. SQLITE_BUSY / SQLITE_LOCKED surface as
  docstore.ErrTransient so callers retry with backoff.

WAL MODE:
  Opened with WAL (Write-Ahead Logging): readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/studio.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - docstore/docstore.go: Interface and error contract
  - docstore/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/studio-ledger/docstore"
)

// Store implements docstore.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ docstore.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

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
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_payments_student_date
		ON documents(collection, json_extract(data, '$.studentId'), json_extract(data, '$.date') DESC)
		WHERE collection = 'payments';

	CREATE INDEX IF NOT EXISTS idx_payments_date
		ON documents(collection, json_extract(data, '$.date'))
		WHERE collection = 'payments';

	CREATE INDEX IF NOT EXISTS idx_audit_entity_timestamp
		ON documents(collection, json_extract(data, '$.entityId'), json_extract(data, '$.timestamp') DESC)
		WHERE collection = 'auditLogs';

	CREATE INDEX IF NOT EXISTS idx_audit_type_timestamp
		ON documents(collection, json_extract(data, '$.type'), json_extract(data, '$.timestamp') DESC)
		WHERE collection = 'auditLogs';

	CREATE INDEX IF NOT EXISTS idx_attendance_date
		ON documents(collection, json_extract(data, '$.date'))
		WHERE collection = 'attendance';

	CREATE INDEX IF NOT EXISTS idx_students_status
		ON documents(collection, json_extract(data, '$.enrollmentStatus'))
		WHERE collection = 'students';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DOCUMENT STORE (docstore.Store interface)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns a single document.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := s.read(ctx, s.db, collection, id)
	if err != nil {
		return docstore.Document{}, err
	}
	if raw == nil {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return docstore.Document{ID: id, Data: raw}, nil
}

// Set replaces (or with Merge, patches) a document.
func (s *Store) Set(ctx context.Context, collection, id string, doc any, opts ...docstore.SetOption) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !docstore.ApplySetOptions(opts) {
		return classify(s.write(ctx, s.db, collection, id, raw))
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.read(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if current != nil {
			if raw, err = docstore.MergeTopLevel(current, raw); err != nil {
				return err
			}
		}
		return s.write(ctx, tx, collection, id, raw)
	})
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	return classify(err)
}

// Update performs an atomic read-modify-write of one document.
func (s *Store) Update(ctx context.Context, collection, id string, fn docstore.Mutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.read(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", collection, id, err)
		}
		return s.write(ctx, tx, collection, id, raw)
	})
}

// Query evaluates filters with json_extract and orders by one field.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	query, args, err := buildQuery(collection, q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query %s: %w", collection, err))
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, docstore.Document{ID: id, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return docstore.Page(docs, q.StartAfter, q.Limit), nil
}

// Reset removes every document. Used by tests and the dev reset command.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		if errors.Is(err, docstore.ErrNoChange) {
			return nil
		}
		return classify(err)
	}
	return classify(sqlTx.Commit())
}

func (s *Store) read(ctx context.Context, db execer, collection, id string) (json.RawMessage, error) {
	var data string
	err := db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read %s/%s: %w", collection, id, err))
	}
	return json.RawMessage(data), nil
}

func (s *Store) write(ctx context.Context, db execer, collection, id string, raw json.RawMessage) error {
	query := `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		collection, id, string(raw),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	return nil
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

var sqlOps = map[docstore.Op]string{
	docstore.OpEq:  "=",
	docstore.OpNe:  "!=",
	docstore.OpLt:  "<",
	docstore.OpLte: "<=",
	docstore.OpGt:  ">",
	docstore.OpGte: ">=",
}

func jsonPath(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid query field %q", field)
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field), nil
}

func buildQuery(collection string, q docstore.Query) (string, []any, error) {
	var b strings.Builder
	args := []any{collection}
	b.WriteString("SELECT id, data FROM documents WHERE collection = ?")

	for _, f := range q.Filters {
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		path, err := jsonPath(f.Field)
		if err != nil {
			return "", nil, err
		}
		v, err := docstore.Normalize(f.Value)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, " AND %s %s ?", path, op)
		args = append(args, v)
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		path, err := jsonPath(q.OrderBy)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, " ORDER BY %s %s, id %s", path, dir, dir)
	} else {
		fmt.Fprintf(&b, " ORDER BY id %s", dir)
	}

	// The id cursor is resolved in Go, so LIMIT only applies without one.
	if q.Limit > 0 && q.StartAfter == "" {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

// classify maps driver failures onto docstore sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", docstore.ErrTransient, err)
	}
	return err
}
