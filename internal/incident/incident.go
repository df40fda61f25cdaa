// Package incident records bookings whose money moved without the matching status
// commit. An open incident halts automated actions on the booking until an operator
// acknowledges it.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

// ErrNotFound indicates the booking has no open incident.
var ErrNotFound = errors.New("no open incident")

type Incident struct {
	ID             int64
	BookingID      string
	Operation      string
	ProviderRef    string
	Amount         booking.Amount
	Target         booking.Status
	Detail         string
	RecordedAt     time.Time
	AcknowledgedAt time.Time
	AcknowledgedBy string
}

// Open reports whether the incident still blocks the booking.
func (i *Incident) Open() bool {
	return i.AcknowledgedAt.IsZero()
}

// FromError builds an incident from the inconsistency report.
func FromError(e *booking.InconsistentStateError, at time.Time) Incident {
	in := Incident{
		BookingID:   e.BookingID,
		Operation:   e.Operation,
		ProviderRef: e.ProviderRef,
		Amount:      e.Amount,
		Target:      e.Target,
		RecordedAt:  at,
	}
	if e.Cause != nil {
		in.Detail = e.Cause.Error()
	}
	return in
}

// Store persists incidents.
type Store interface {
	Record(ctx context.Context, e *booking.InconsistentStateError) (*Incident, error)
	// Open returns ErrNotFound when nothing blocks the booking.
	Open(ctx context.Context, bookingID string) (*Incident, error)
	// Acknowledge closes all open incidents of the booking and returns how many were closed.
	Acknowledge(ctx context.Context, bookingID, operator string) (int, error)
	List(ctx context.Context, includeAcknowledged bool) ([]Incident, error)
}

// Halted reports whether the booking has an open incident. Store failures are returned
// so callers fail closed.
func Halted(ctx context.Context, s Store, bookingID string) (bool, error) {
	if s == nil {
		return false, nil
	}
	_, err := s.Open(ctx, bookingID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
