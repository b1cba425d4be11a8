package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// SQLiteKV implements KVStore on a single SQLite table
type SQLiteKV struct {
	db *sql.DB
}

var _ KVStore = (*SQLiteKV)(nil)

// NewSQLiteKV opens (and creates if needed) the database at dbPath
func NewSQLiteKV(dbPath string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; one connection avoids SQLITE_BUSY
	// between our own goroutines.
	db.SetMaxOpenConns(1)

	schema := `CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v INTEGER NOT NULL,
		d BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteKV{db: db}, nil
}

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT d, v FROM kv WHERE k = ?`, key)
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("sqlite select failed: %w", err)
	}
	return data, version, nil
}

func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO kv (k, v, d) VALUES (?, 1, ?)
		ON CONFLICT(k) DO UPDATE SET v = kv.v + 1, d = excluded.d
		RETURNING v`,
		key, nonNil(value),
	)
	var version int64
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("sqlite upsert failed: %w", err)
	}
	return version, nil
}

func (s *SQLiteKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	if expected == 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO kv (k, v, d) VALUES (?, 1, ?)`, key, nonNil(value))
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return 0, ErrVersionMismatch
			}
			return 0, fmt.Errorf("sqlite insert failed: %w", err)
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET v = v + 1, d = ? WHERE k = ? AND v = ?`,
		nonNil(value), key, expected,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrVersionMismatch
	}
	return expected + 1, nil
}

func (s *SQLiteKV) Scan(ctx context.Context, prefix string) ([]KVEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k, d, v FROM kv WHERE substr(k, 1, ?) = ? ORDER BY k`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan failed: %w", err)
	}
	defer rows.Close()

	var out []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

// nonNil keeps NOT NULL blob columns happy for empty values.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
