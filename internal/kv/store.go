// Package kv implements the typed persistent map described in
// SPEC_FULL.md §4.A: cursors, cache metadata, and small process-wide state.
//
// It is deliberately storage-engine agnostic — it operates against any
// database/sql-compatible executor — so the owning EncryptedRelationalStore
// (internal/store) can route writes through its single-writer actor while
// letting reads run on pooled connections, per SPEC_FULL.md §4.B.
package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Querier is the subset of *sql.DB / *sql.Tx used by Store.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Schema is the DDL for the backing table. The owning store is responsible
// for executing it once during migration.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store is a typed map backed by a single SQL table with atomic per-key
// writes and prefix range scans.
type Store struct {
	db Querier
	// There is no clock here: callers pass timestamps in explicitly rather
	// than this package calling time.Now(), keeping it free of a direct time
	// dependency in its API.
}

// New wraps db (a *sql.DB or an in-flight *sql.Tx) as a kv.Store.
func New(db Querier) *Store {
	return &Store{db: db}
}

// Put writes key=value atomically, overwriting any prior value.
func (s *Store) Put(ctx context.Context, key string, value []byte, updatedAtUnix int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store(key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, updatedAtUnix)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

// Get returns the value for key, or ok=false if absent.
func (s *Store) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes key. It is a no-op if key is absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// ScanPrefix returns every key/value pair whose key starts with prefix.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	// Escape LIKE metacharacters so a literal prefix containing '%' or '_'
	// (e.g. a channel id embedded in a key) cannot widen the scan.
	escaped, escapeChar := escapeLike(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_store WHERE key LIKE ? || '%' ESCAPE ?`,
		escaped, escapeChar)
	if err != nil {
		return nil, fmt.Errorf("kv scan prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv scan prefix %q: %w", prefix, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func escapeLike(s string) (escaped string, escapeChar string) {
	const esc = "\\"
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			r = append(r, esc[0])
		}
		r = append(r, s[i])
	}
	return string(r), esc
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(ctx context.Context, key string, v any, updatedAtUnix int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv put json %q: %w", key, err)
	}
	return s.Put(ctx, key, data, updatedAtUnix)
}

// GetJSON reads and unmarshals the value for key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (ok bool, err error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("kv get json %q: %w", key, err)
	}
	return true, nil
}

// Key builders for the well-known key families in SPEC_FULL.md §4.A.

// SyncCursorKey builds "sync_cursor:<kind>[:<scope>]".
func SyncCursorKey(kind, scope string) string {
	if scope == "" {
		return "sync_cursor:" + kind
	}
	return "sync_cursor:" + kind + ":" + scope
}

// SendTaskKey builds "send_task:<nonce>".
func SendTaskKey(nonce string) string { return "send_task:" + nonce }

// AssetsCacheKey is the well-known key for the migration fingerprint cache.
const AssetsCacheKey = "assets_cache"

// DeviceFlagKey is the well-known key for process-wide device flags.
const DeviceFlagKey = "device_flag"

// PresenceKey builds "presence:<user_id>".
func PresenceKey(userID uint64) string { return fmt.Sprintf("presence:%d", userID) }
