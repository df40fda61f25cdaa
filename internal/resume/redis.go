package resume

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

// DefaultIntentTTL bounds how long an abandoned checkout intent lingers in redis.
const DefaultIntentTTL = 24 * time.Hour

// RedisStore keeps records in redis, shared by every console instance of a site.
type RedisStore struct {
	client      *redis.Client
	intentTTL   time.Duration
	identityTTL time.Duration
}

func NewRedisStore(client *redis.Client, intentTTL, identityTTL time.Duration) *RedisStore {
	if intentTTL <= 0 {
		intentTTL = DefaultIntentTTL
	}
	if identityTTL <= 0 {
		identityTTL = DefaultIdentityTTL
	}
	return &RedisStore{client: client, intentTTL: intentTTL, identityTTL: identityTTL}
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, dbIndex int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIndex,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Set(ctx context.Context, intent *booking.TransitionIntent) error {
	if err := validateIntent(intent); err != nil {
		return err
	}
	payload, err := encodeIntent(intent)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, IntentKey(intent.BookingID), payload, s.intentTTL).Err(); err != nil {
		return fmt.Errorf("storing intent for %s: %w", intent.BookingID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, bookingID string) (*booking.TransitionIntent, error) {
	payload, err := s.client.Get(ctx, IntentKey(bookingID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading intent for %s: %w", bookingID, err)
	}
	return decodeIntent(payload)
}

func (s *RedisStore) Clear(ctx context.Context, bookingID string) error {
	if err := s.client.Del(ctx, IntentKey(bookingID)).Err(); err != nil {
		return fmt.Errorf("clearing intent for %s: %w", bookingID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]booking.TransitionIntent, error) {
	var intents []booking.TransitionIntent
	iter := s.client.Scan(ctx, 0, intentKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		payload, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iter.Val(), err)
		}
		intent, err := decodeIntent(payload)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", iter.Val(), err)
		}
		intents = append(intents, *intent)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning intents: %w", err)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].BookingID < intents[j].BookingID })
	return intents, nil
}

func (s *RedisStore) PutIdentity(ctx context.Context, snap *booking.IdentitySnapshot) error {
	payload, err := encodeIdentity(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, IdentityKey, payload, s.identityTTL).Err(); err != nil {
		return fmt.Errorf("storing identity snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) TakeIdentity(ctx context.Context) (*booking.IdentitySnapshot, error) {
	payload, err := s.client.GetDel(ctx, IdentityKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking identity snapshot: %w", err)
	}
	return decodeIdentity(payload)
}
