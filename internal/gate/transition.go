package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

// TransitionResult is either a committed booking or the gate that must be satisfied
// first.
type TransitionResult struct {
	Committed bool
	Booking   *booking.Booking
	Gate      *booking.GateUnsatisfied
}

// RequestTransition moves b to target when no gate stands in the way. Illegal requests
// are rejected before any backend call. A gate is reported in the result, not as an
// error.
func (o *Orchestrator) RequestTransition(ctx context.Context, b *booking.Booking, target booking.Status) (*TransitionResult, error) {
	if err := o.engine.Validate(b.Status, target); err != nil {
		return nil, err
	}
	if err := o.ensureActive(ctx, b.ID); err != nil {
		return nil, err
	}

	if target == booking.StatusCancelled {
		if b.TotalPaymentRef != "" {
			return nil, ErrRefundRequired
		}
		updated, err := o.commit(ctx, b, target, booking.GateNone, booking.StatusUpdate{})
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Committed: true, Booking: updated}, nil
	}

	kind := RequiredGate(b, target, o.policy)
	if kind == booking.GateNone {
		updated, err := o.commit(ctx, b, target, kind, booking.StatusUpdate{})
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Committed: true, Booking: updated}, nil
	}

	o.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"target":     target,
		"gate":       kind,
	}).Debug("transition gated")

	return &TransitionResult{
		Booking: b,
		Gate: &booking.GateUnsatisfied{
			BookingID: b.ID,
			Kind:      kind,
			Target:    target,
			Amount:    o.gateAmount(b, kind),
		},
	}, nil
}

// RecordTerminalPayment commits a gate paid in person at a card terminal. No intent is
// involved; any checkout left over for the booking is dropped once the commit succeeds.
func (o *Orchestrator) RecordTerminalPayment(ctx context.Context, b *booking.Booking, kind booking.GateKind, ref string) (*booking.Booking, error) {
	if !kind.IsPayment() {
		return nil, fmt.Errorf("%w: %s", ErrNotPaymentGate, kind)
	}
	if ref == "" {
		return nil, ErrMissingPaymentRef
	}
	target, _ := kind.Target()
	if err := o.engine.Validate(b.Status, target); err != nil {
		return nil, err
	}
	if err := o.ensureActive(ctx, b.ID); err != nil {
		return nil, err
	}

	mu := o.lockFor(b.ID)
	mu.Lock()
	defer mu.Unlock()

	updated, err := o.commit(ctx, b, target, kind, gateUpdate(kind, ref, o.gateAmount(b, kind)))
	if err != nil {
		return nil, err
	}
	o.polls.Cancel(watchKey(b.ID))
	if err := o.store.Clear(ctx, b.ID); err != nil {
		o.logger.WithError(err).WithField("booking_id", b.ID).Warn("failed to clear intent after terminal payment")
	}
	return updated, nil
}

// AbandonGate drops the pending checkout for the booking without committing anything.
func (o *Orchestrator) AbandonGate(ctx context.Context, bookingID string) error {
	mu := o.lockFor(bookingID)
	mu.Lock()
	defer mu.Unlock()
	return o.abandon(ctx, bookingID)
}

func (o *Orchestrator) abandon(ctx context.Context, bookingID string) error {
	o.polls.Cancel(watchKey(bookingID))

	intent, err := o.store.Get(ctx, bookingID)
	if err != nil && !errors.Is(err, resume.ErrNotFound) {
		return fmt.Errorf("reading intent: %w", err)
	}
	if err := o.store.Clear(ctx, bookingID); err != nil {
		return fmt.Errorf("clearing intent: %w", err)
	}
	if intent == nil {
		return nil
	}

	o.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"gate":       intent.GateKind,
	}).Info("gate abandoned")
	o.emit(ctx, notify.EventGateAbandoned, bookingID, func(e *notify.Event) {
		e.Gate = intent.GateKind
		e.Status = intent.TargetStatus
	})
	return nil
}

// Intent returns the pending transition intent for the booking, if any.
func (o *Orchestrator) Intent(ctx context.Context, bookingID string) (*booking.TransitionIntent, error) {
	return o.store.Get(ctx, bookingID)
}
