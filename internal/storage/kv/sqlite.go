package kv

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteBucket persists values as JSON rows in the shared kv_store
// table, one namespace per bucket name. Expired entries are deleted
// lazily on read and swept periodically by the manager.
type SQLiteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteBucket creates a bucket over the given database connection.
func NewSQLiteBucket(db *sql.DB, name string) *SQLiteBucket {
	return &SQLiteBucket{db: db, name: name}
}

func (b *SQLiteBucket) Name() string       { return b.name }
func (b *SQLiteBucket) IsPersistent() bool { return true }

// Store upserts a value. An update keeps the row's created_at and
// replaces everything else, including the expiry.
func (b *SQLiteBucket) Store(key string, value any, opts *StoreOptions) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: marshal value for %q: %w", key, err)
	}

	now := time.Now().UTC().Unix()
	var expiresAt *int64
	if opts != nil && opts.TTL > 0 {
		exp := time.Now().UTC().Add(opts.TTL).Unix()
		expiresAt = &exp
	}

	_, err = b.db.Exec(`
		INSERT INTO kv_store (bucket, key, value, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, b.name, key, string(data), expiresAt, now, now)
	if err != nil {
		return fmt.Errorf("kv: store %q: %w", key, err)
	}
	return nil
}

// Get returns the stored value decoded from JSON, or nil with no error
// when the key is missing or expired. Decoding yields map[string]any
// for stored maps regardless of the original map type.
func (b *SQLiteBucket) Get(key string) (any, error) {
	var raw string
	var expiresAt sql.NullInt64

	err := b.db.QueryRow(`
		SELECT value, expires_at FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key).Scan(&raw, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get %q: %w", key, err)
	}
	if b.expired(expiresAt) {
		b.purge(key)
		return nil, nil
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return value, nil
}

// Exists reports whether the key is present and not expired.
func (b *SQLiteBucket) Exists(key string) (bool, error) {
	var expiresAt sql.NullInt64

	err := b.db.QueryRow(`
		SELECT expires_at FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: check %q: %w", key, err)
	}
	if b.expired(expiresAt) {
		b.purge(key)
		return false, nil
	}
	return true, nil
}

// Delete removes a key, reporting whether it was present.
func (b *SQLiteBucket) Delete(key string) (bool, error) {
	result, err := b.db.Exec(`
		DELETE FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key)
	if err != nil {
		return false, fmt.Errorf("kv: delete %q: %w", key, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Keys lists the bucket's live keys.
func (b *SQLiteBucket) Keys() ([]string, error) {
	rows, err := b.db.Query(`
		SELECT key FROM kv_store
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
	`, b.name, time.Now().UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("kv: list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("kv: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Clear drops every key in the bucket.
func (b *SQLiteBucket) Clear() error {
	if _, err := b.db.Exec(`DELETE FROM kv_store WHERE bucket = ?`, b.name); err != nil {
		return fmt.Errorf("kv: clear bucket: %w", err)
	}
	return nil
}

// expired treats the expiry second itself as past, matching the sweep
// in CleanupExpired and the filter in Keys.
func (b *SQLiteBucket) expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && time.Now().UTC().Unix() >= expiresAt.Int64
}

func (b *SQLiteBucket) purge(key string) {
	_, _ = b.db.Exec(`DELETE FROM kv_store WHERE bucket = ? AND key = ?`, b.name, key)
}

// CleanupExpired deletes every expired row across all buckets. Called
// periodically by the manager.
func CleanupExpired(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("kv: cleanup expired: %w", err)
	}
	return result.RowsAffected()
}
