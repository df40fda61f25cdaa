package incident

import (
	"context"
	"sync"
	"time"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

type MemoryStore struct {
	mu        sync.Mutex
	incidents []Incident
	nextID    int64
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Record(ctx context.Context, e *booking.InconsistentStateError) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	in := FromError(e, s.now())
	in.ID = s.nextID
	s.incidents = append(s.incidents, in)
	return &in, nil
}

func (s *MemoryStore) Open(ctx context.Context, bookingID string) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.incidents) - 1; i >= 0; i-- {
		in := s.incidents[i]
		if in.BookingID == bookingID && in.Open() {
			return &in, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Acknowledge(ctx context.Context, bookingID, operator string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	n := 0
	for i := range s.incidents {
		if s.incidents[i].BookingID == bookingID && s.incidents[i].Open() {
			s.incidents[i].AcknowledgedAt = at
			s.incidents[i].AcknowledgedBy = operator
			n++
		}
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, includeAcknowledged bool) ([]Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Incident
	for i := len(s.incidents) - 1; i >= 0; i-- {
		if includeAcknowledged || s.incidents[i].Open() {
			out = append(out, s.incidents[i])
		}
	}
	return out, nil
}
