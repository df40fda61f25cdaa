package resume

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/db"
)

// SQLStore persists records in the local sqlite database so they survive a full
// process restart.
type SQLStore struct {
	db          *db.DB
	identityTTL time.Duration
	intentTTL   time.Duration
	now         func() time.Time
}

// NewSQLStore returns a store on database. A zero intentTTL keeps intents until cleared.
func NewSQLStore(database *db.DB, intentTTL, identityTTL time.Duration) *SQLStore {
	if identityTTL <= 0 {
		identityTTL = DefaultIdentityTTL
	}
	return &SQLStore{db: database, intentTTL: intentTTL, identityTTL: identityTTL, now: time.Now}
}

func (s *SQLStore) expiry(ttl time.Duration, from time.Time) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: from.Add(ttl).UnixMilli(), Valid: true}
}

func (s *SQLStore) Set(ctx context.Context, intent *booking.TransitionIntent) error {
	if err := validateIntent(intent); err != nil {
		return err
	}
	payload, err := encodeIntent(intent)
	if err != nil {
		return err
	}
	now := s.now()
	return s.db.PutRecord(ctx, db.Record{
		Key:       IntentKey(intent.BookingID),
		Kind:      kindIntent,
		BookingID: sql.NullString{String: intent.BookingID, Valid: true},
		Payload:   payload,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: s.expiry(s.intentTTL, now),
	})
}

func (s *SQLStore) Get(ctx context.Context, bookingID string) (*booking.TransitionIntent, error) {
	rec, err := s.db.GetRecord(ctx, IntentKey(bookingID), s.now())
	if errors.Is(err, db.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeIntent(rec.Payload)
}

func (s *SQLStore) Clear(ctx context.Context, bookingID string) error {
	return s.db.DeleteRecord(ctx, IntentKey(bookingID))
}

func (s *SQLStore) List(ctx context.Context) ([]booking.TransitionIntent, error) {
	records, err := s.db.ListRecords(ctx, kindIntent, s.now())
	if err != nil {
		return nil, err
	}
	intents := make([]booking.TransitionIntent, 0, len(records))
	for _, rec := range records {
		intent, err := decodeIntent(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.Key, err)
		}
		intents = append(intents, *intent)
	}
	return intents, nil
}

func (s *SQLStore) PutIdentity(ctx context.Context, snap *booking.IdentitySnapshot) error {
	payload, err := encodeIdentity(snap)
	if err != nil {
		return err
	}
	now := s.now()
	return s.db.PutRecord(ctx, db.Record{
		Key:       IdentityKey,
		Kind:      kindIdentity,
		Payload:   payload,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: s.expiry(s.identityTTL, now),
	})
}

func (s *SQLStore) TakeIdentity(ctx context.Context) (*booking.IdentitySnapshot, error) {
	rec, err := s.db.TakeRecord(ctx, IdentityKey, s.now())
	if errors.Is(err, db.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeIdentity(rec.Payload)
}
