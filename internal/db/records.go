package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRecordNotFound indicates no live resumption record exists for the key.
var ErrRecordNotFound = errors.New("resumption record not found")

// Record is one durable resumption entry. Times are unix milliseconds.
type Record struct {
	Key       string         `db:"record_key"`
	Kind      string         `db:"kind"`
	BookingID sql.NullString `db:"booking_id"`
	Payload   string         `db:"payload"`
	CreatedAt int64          `db:"created_at"`
	ExpiresAt sql.NullInt64  `db:"expires_at"`
}

// PutRecord inserts or overwrites the record stored under r.Key.
func (db *DB) PutRecord(ctx context.Context, r Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO resumption_records (record_key, kind, booking_id, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE SET
			kind = excluded.kind,
			booking_id = excluded.booking_id,
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, r.Key, r.Kind, r.BookingID, r.Payload, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storing record %s: %w", r.Key, err)
	}
	return nil
}

// GetRecord returns the unexpired record stored under key.
func (db *DB) GetRecord(ctx context.Context, key string, now time.Time) (*Record, error) {
	var r Record
	err := db.GetContext(ctx, &r, `
		SELECT record_key, kind, booking_id, payload, created_at, expires_at
		FROM resumption_records
		WHERE record_key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, key, now.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record %s: %w", key, err)
	}
	return &r, nil
}

// DeleteRecord removes the record under key. Deleting a missing record is not an error.
func (db *DB) DeleteRecord(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM resumption_records WHERE record_key = ?`, key); err != nil {
		return fmt.Errorf("deleting record %s: %w", key, err)
	}
	return nil
}

// TakeRecord reads and deletes the record under key in one transaction.
// The row is removed even when it has expired; an expired row reads as ErrRecordNotFound.
func (db *DB) TakeRecord(ctx context.Context, key string, now time.Time) (*Record, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var r Record
	err = tx.GetContext(ctx, &r, `
		SELECT record_key, kind, booking_id, payload, created_at, expires_at
		FROM resumption_records WHERE record_key = ?
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM resumption_records WHERE record_key = ?`, key); err != nil {
		return nil, fmt.Errorf("deleting record %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	if r.ExpiresAt.Valid && r.ExpiresAt.Int64 <= now.UnixMilli() {
		return nil, ErrRecordNotFound
	}
	return &r, nil
}

// ListRecords returns unexpired records of the given kind, oldest first.
func (db *DB) ListRecords(ctx context.Context, kind string, now time.Time) ([]Record, error) {
	var records []Record
	err := db.SelectContext(ctx, &records, `
		SELECT record_key, kind, booking_id, payload, created_at, expires_at
		FROM resumption_records
		WHERE kind = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, record_key ASC
	`, kind, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", kind, err)
	}
	return records, nil
}

// PurgeExpired deletes expired records and returns how many were removed.
func (db *DB) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM resumption_records WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging expired records: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows, nil
}
