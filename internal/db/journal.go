package db

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

// TransitionEntry is one committed status change.
type TransitionEntry struct {
	ID          int64  `db:"id"`
	BookingID   string `db:"booking_id"`
	FromStatus  string `db:"from_status"`
	ToStatus    string `db:"to_status"`
	GateKind    string `db:"gate_kind"`
	CommittedAt int64  `db:"committed_at"`
}

// RecordTransition appends a committed transition to the journal.
func (db *DB) RecordTransition(ctx context.Context, bookingID string, from, to booking.Status, gate booking.GateKind) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transition_log (booking_id, from_status, to_status, gate_kind, committed_at)
		VALUES (?, ?, ?, ?, ?)
	`, bookingID, string(from), string(to), string(gate), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// ListTransitions returns the journal for a booking in commit order.
func (db *DB) ListTransitions(ctx context.Context, bookingID string) ([]TransitionEntry, error) {
	var entries []TransitionEntry
	err := db.SelectContext(ctx, &entries, `
		SELECT id, booking_id, from_status, to_status, gate_kind, committed_at
		FROM transition_log WHERE booking_id = ? ORDER BY id ASC
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	return entries, nil
}
