package incident

import (
	"context"
	"errors"
	"time"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/db"
)

// SQLStore keeps incidents in the incidents table.
type SQLStore struct {
	db  *db.DB
	now func() time.Time
}

func NewSQLStore(database *db.DB) *SQLStore {
	return &SQLStore{db: database, now: time.Now}
}

func (s *SQLStore) Record(ctx context.Context, e *booking.InconsistentStateError) (*Incident, error) {
	in := FromError(e, s.now())
	id, err := s.db.InsertIncident(ctx, db.Incident{
		BookingID:    in.BookingID,
		Operation:    in.Operation,
		ProviderRef:  in.ProviderRef,
		Amount:       int64(in.Amount),
		TargetStatus: string(in.Target),
		Detail:       in.Detail,
		RecordedAt:   in.RecordedAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	in.ID = id
	return &in, nil
}

func (s *SQLStore) Open(ctx context.Context, bookingID string) (*Incident, error) {
	row, err := s.db.OpenIncident(ctx, bookingID)
	if errors.Is(err, db.ErrIncidentNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	in := fromRow(*row)
	return &in, nil
}

func (s *SQLStore) Acknowledge(ctx context.Context, bookingID, operator string) (int, error) {
	n, err := s.db.AcknowledgeIncidents(ctx, bookingID, operator, s.now())
	if errors.Is(err, db.ErrIncidentNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) List(ctx context.Context, includeAcknowledged bool) ([]Incident, error) {
	rows, err := s.db.ListIncidents(ctx, includeAcknowledged)
	if err != nil {
		return nil, err
	}
	out := make([]Incident, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func fromRow(r db.Incident) Incident {
	in := Incident{
		ID:          r.ID,
		BookingID:   r.BookingID,
		Operation:   r.Operation,
		ProviderRef: r.ProviderRef,
		Amount:      booking.Amount(r.Amount),
		Target:      booking.Status(r.TargetStatus),
		Detail:      r.Detail,
		RecordedAt:  time.UnixMilli(r.RecordedAt),
	}
	if r.AcknowledgedAt.Valid {
		in.AcknowledgedAt = time.UnixMilli(r.AcknowledgedAt.Int64)
	}
	if r.AcknowledgedBy.Valid {
		in.AcknowledgedBy = r.AcknowledgedBy.String
	}
	return in
}
