package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shalteor/zerotrace/internal/storage"
)

// Get returns the value stored under key
func (db *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	return value, nil
}

// Set inserts or replaces the value under key in a single statement
func (db *DB) Set(ctx context.Context, key string, value []byte) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := getTx(ctx, tx, key)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := tx.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to upsert key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	db.Notify(storage.Change{Key: key, OldValue: old, NewValue: value})
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (db *DB) Remove(ctx context.Context, key string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := getTx(ctx, tx, key)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	if old != nil {
		db.Notify(storage.Change{Key: key, OldValue: old})
	}
	return nil
}

// Clear deletes every key
func (db *DB) Clear(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM kv ORDER BY key`)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	var changes []storage.Change
	for rows.Next() {
		var c storage.Change
		if err := rows.Scan(&c.Key, &c.OldValue); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan key: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("failed to clear: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	db.Notify(changes...)
	return nil
}

// Usage implements storage.Sizer
func (db *DB) Usage(ctx context.Context) (storage.Usage, error) {
	var u storage.Usage
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(length(CAST(key AS BLOB)) + length(value)), 0) FROM kv`,
	).Scan(&u.Keys, &u.BytesInUse)
	if err != nil {
		return storage.Usage{}, fmt.Errorf("failed to compute usage: %w", err)
	}
	return u, nil
}

// Keys lists stored keys ordered by key
func (db *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return keys, nil
}

func getTx(ctx context.Context, tx *sql.Tx, key string) ([]byte, error) {
	var value []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}
