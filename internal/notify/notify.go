// Package notify publishes lifecycle events (gates opened, transitions committed,
// refunds issued) to whoever is listening.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

type EventType string

const (
	EventGateOpened          EventType = "gate_opened"
	EventCheckoutStarted     EventType = "checkout_started"
	EventTransitionCommitted EventType = "transition_committed"
	EventPaymentPending      EventType = "payment_pending"
	EventGateAbandoned       EventType = "gate_abandoned"
	EventDamageCaptured      EventType = "damage_captured"
	EventRefundIssued        EventType = "refund_issued"
	EventInconsistentState   EventType = "inconsistent_state"
	EventPollFinished        EventType = "poll_finished"
)

type Event struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	BookingID string           `json:"bookingId"`
	Status    booking.Status   `json:"status,omitempty"`
	Gate      booking.GateKind `json:"gate,omitempty"`
	Amount    booking.Amount   `json:"amount,omitempty"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, bookingID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		BookingID: bookingID,
		At:        time.Now().UTC(),
	}
}

// Notifier receives events. Implementations must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

// LogNotifier writes each event as a structured log line.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (l LogNotifier) Notify(_ context.Context, e Event) {
	fields := logrus.Fields{
		"event":      e.Type,
		"event_id":   e.ID,
		"booking_id": e.BookingID,
	}
	if e.Status != "" {
		fields["status"] = e.Status
	}
	if e.Gate != "" {
		fields["gate"] = e.Gate
	}
	if e.Amount != 0 {
		fields["amount"] = e.Amount.String()
	}
	entry := l.Logger.WithFields(fields)
	if e.Type == EventInconsistentState {
		entry.Error(e.Message)
		return
	}
	entry.Info(e.Message)
}

// Bus delivers events to subscriber channels. A subscriber whose buffer is full misses
// the event rather than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	logger  logrus.FieldLogger
	dropped int
}

func NewBus(logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel of events and a function that ends the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Notify(_ context.Context, e Event) {
	b.mu.RLock()
	var missed int
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			missed++
		}
	}
	b.mu.RUnlock()

	if missed > 0 {
		b.mu.Lock()
		b.dropped += missed
		b.mu.Unlock()
		b.logger.WithFields(logrus.Fields{
			"event":      e.Type,
			"booking_id": e.BookingID,
			"missed":     missed,
		}).Warn("subscriber buffer full, event dropped")
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
