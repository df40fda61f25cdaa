package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrIncidentNotFound indicates no open incident exists for the booking.
var ErrIncidentNotFound = errors.New("incident not found")

// Incident is a stored inconsistency awaiting operator acknowledgement.
type Incident struct {
	ID             int64          `db:"id"`
	BookingID      string         `db:"booking_id"`
	Operation      string         `db:"operation"`
	ProviderRef    string         `db:"provider_ref"`
	Amount         int64          `db:"amount"`
	TargetStatus   string         `db:"target_status"`
	Detail         string         `db:"detail"`
	RecordedAt     int64          `db:"recorded_at"`
	AcknowledgedAt sql.NullInt64  `db:"acknowledged_at"`
	AcknowledgedBy sql.NullString `db:"acknowledged_by"`
}

// InsertIncident stores a new open incident and returns its ID.
func (db *DB) InsertIncident(ctx context.Context, in Incident) (int64, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO incidents (booking_id, operation, provider_ref, amount, target_status, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, in.BookingID, in.Operation, in.ProviderRef, in.Amount, in.TargetStatus, in.Detail, in.RecordedAt)
	if err != nil {
		return 0, fmt.Errorf("recording incident: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting incident id: %w", err)
	}
	return id, nil
}

// OpenIncident returns the most recent unacknowledged incident for the booking.
func (db *DB) OpenIncident(ctx context.Context, bookingID string) (*Incident, error) {
	var in Incident
	err := db.GetContext(ctx, &in, `
		SELECT id, booking_id, operation, provider_ref, amount, target_status, detail,
		       recorded_at, acknowledged_at, acknowledged_by
		FROM incidents
		WHERE booking_id = ? AND acknowledged_at IS NULL
		ORDER BY id DESC LIMIT 1
	`, bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying incident: %w", err)
	}
	return &in, nil
}

// AcknowledgeIncidents closes every open incident for the booking.
// Returns ErrIncidentNotFound if none were open.
func (db *DB) AcknowledgeIncidents(ctx context.Context, bookingID, operator string, at time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE incidents SET acknowledged_at = ?, acknowledged_by = ?
		WHERE booking_id = ? AND acknowledged_at IS NULL
	`, at.UnixMilli(), operator, bookingID)
	if err != nil {
		return 0, fmt.Errorf("acknowledging incidents: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrIncidentNotFound
	}
	return rows, nil
}

// ListIncidents returns incidents, newest first. Acknowledged ones are included on request.
func (db *DB) ListIncidents(ctx context.Context, includeAcknowledged bool) ([]Incident, error) {
	query := `
		SELECT id, booking_id, operation, provider_ref, amount, target_status, detail,
		       recorded_at, acknowledged_at, acknowledged_by
		FROM incidents`
	if !includeAcknowledged {
		query += ` WHERE acknowledged_at IS NULL`
	}
	query += ` ORDER BY id DESC`

	var incidents []Incident
	if err := db.SelectContext(ctx, &incidents, query); err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	return incidents, nil
}
