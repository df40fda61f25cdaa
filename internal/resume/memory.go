package resume

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

// MemoryStore keeps records in process memory. It does not survive a restart and is
// meant for tests and single-shot CLI runs.
type MemoryStore struct {
	mu          sync.Mutex
	intents     map[string]booking.TransitionIntent
	identity    *booking.IdentitySnapshot
	identityExp time.Time
	identityTTL time.Duration
	now         func() time.Time
}

func NewMemoryStore(identityTTL time.Duration) *MemoryStore {
	if identityTTL <= 0 {
		identityTTL = DefaultIdentityTTL
	}
	return &MemoryStore{
		intents:     make(map[string]booking.TransitionIntent),
		identityTTL: identityTTL,
		now:         time.Now,
	}
}

func (s *MemoryStore) Set(ctx context.Context, intent *booking.TransitionIntent) error {
	if err := validateIntent(intent); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.BookingID] = *intent
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bookingID string) (*booking.TransitionIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	return &intent, nil
}

func (s *MemoryStore) Clear(ctx context.Context, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, bookingID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]booking.TransitionIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]booking.TransitionIntent, 0, len(s.intents))
	for _, intent := range s.intents {
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingID < out[j].BookingID })
	return out, nil
}

func (s *MemoryStore) PutIdentity(ctx context.Context, snap *booking.IdentitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.identity = &cp
	s.identityExp = s.now().Add(s.identityTTL)
	return nil
}

func (s *MemoryStore) TakeIdentity(ctx context.Context) (*booking.IdentitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, exp := s.identity, s.identityExp
	s.identity = nil
	if snap == nil || !s.now().Before(exp) {
		return nil, ErrNotFound
	}
	return snap, nil
}
