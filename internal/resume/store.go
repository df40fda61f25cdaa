// Package resume persists the transition a booking was attempting when control left
// for the payment provider, and the operator identity needed to pick it back up.
//
// A stored intent is a hint about what was being attempted. It never proves the payment
// happened; callers verify settlement with the provider before committing anything.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

const (
	intentKeyPrefix = "pending-transition-intent:"
	// IdentityKey is the single key that carries the operator identity across a redirect.
	IdentityKey = "pending-identity-snapshot"

	kindIntent   = "intent"
	kindIdentity = "identity"
)

// DefaultIdentityTTL bounds how long an identity snapshot stays readable.
const DefaultIdentityTTL = 10 * time.Minute

// ErrNotFound indicates there is no live record for the key.
var ErrNotFound = errors.New("no pending record")

// ErrInvalidIntent indicates an intent without a booking or target status.
var ErrInvalidIntent = errors.New("invalid transition intent")

// IntentKey returns the storage key of a booking's transition intent.
func IntentKey(bookingID string) string {
	return intentKeyPrefix + bookingID
}

// BookingIDFromKey extracts the booking id from an intent key.
func BookingIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, intentKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, intentKeyPrefix)
	return id, id != ""
}

// Store is durable storage for transition intents and identity snapshots.
type Store interface {
	// Set writes the intent for intent.BookingID, replacing any existing one.
	Set(ctx context.Context, intent *booking.TransitionIntent) error
	// Get returns ErrNotFound when the booking has no intent.
	Get(ctx context.Context, bookingID string) (*booking.TransitionIntent, error)
	// Clear is idempotent.
	Clear(ctx context.Context, bookingID string) error
	List(ctx context.Context) ([]booking.TransitionIntent, error)

	PutIdentity(ctx context.Context, snap *booking.IdentitySnapshot) error
	// TakeIdentity returns the snapshot and removes it in the same step, whether or not
	// the caller goes on to apply it.
	TakeIdentity(ctx context.Context) (*booking.IdentitySnapshot, error)
}

func validateIntent(intent *booking.TransitionIntent) error {
	if intent == nil || intent.BookingID == "" {
		return fmt.Errorf("%w: missing booking id", ErrInvalidIntent)
	}
	if !intent.TargetStatus.Known() {
		return fmt.Errorf("%w: target status %q", ErrInvalidIntent, intent.TargetStatus)
	}
	if intent.GateKind == "" {
		return fmt.Errorf("%w: missing gate kind", ErrInvalidIntent)
	}
	return nil
}

func encodeIntent(intent *booking.TransitionIntent) (string, error) {
	data, err := json.Marshal(intent)
	if err != nil {
		return "", fmt.Errorf("encoding intent: %w", err)
	}
	return string(data), nil
}

func decodeIntent(payload string) (*booking.TransitionIntent, error) {
	var intent booking.TransitionIntent
	if err := json.Unmarshal([]byte(payload), &intent); err != nil {
		return nil, fmt.Errorf("decoding intent: %w", err)
	}
	return &intent, nil
}

func encodeIdentity(snap *booking.IdentitySnapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encoding identity snapshot: %w", err)
	}
	return string(data), nil
}

func decodeIdentity(payload string) (*booking.IdentitySnapshot, error) {
	var snap booking.IdentitySnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decoding identity snapshot: %w", err)
	}
	return &snap, nil
}
