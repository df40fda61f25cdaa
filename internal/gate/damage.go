package gate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/fsm"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
)

// DamageReport is the operator's answer to "was there damage?".
type DamageReport struct {
	Damaged bool
	Amount  booking.Amount
}

type DamageResult struct {
	Booking *booking.Booking
	// Captured is false when no charge was made.
	Captured bool
	// NoDepositHeld reports damage that could not be charged because no hold existed.
	NoDepositHeld bool
	CaptureRef    string
	Amount        booking.Amount
}

// captureKey identifies the single capture allowed against a deposit hold.
func captureKey(b *booking.Booking) string {
	return b.ID + ":" + b.DepositAuthRef
}

// checkCapture bounds a damage charge by the hold and the deposit state.
func (o *Orchestrator) checkCapture(b *booking.Booking, amount booking.Amount) error {
	limit := DamageLimit(b, o.policy)
	if amount <= 0 || amount > limit {
		return &booking.InvalidDamageAmountError{Requested: amount, Limit: limit}
	}
	if !o.deposits.CanCapture(b) {
		return fmt.Errorf("%w: deposit is %s", ErrDepositNotCapturable, fsm.DepositState(b))
	}
	return nil
}

// ReviewDamage completes the booking, charging the deposit hold first when damage was
// reported. Amounts outside (0, DamageLimit] of the caller's view are rejected before any
// network call. Under the booking lock the booking is read again and every check repeats
// against the fresh copy. The capture is never retried.
func (o *Orchestrator) ReviewDamage(ctx context.Context, b *booking.Booking, report DamageReport) (*DamageResult, error) {
	if err := o.engine.Validate(b.Status, booking.StatusCompleted); err != nil {
		return nil, err
	}
	if report.Damaged && b.DepositAuthRef != "" {
		if err := o.checkCapture(b, report.Amount); err != nil {
			return nil, err
		}
	}
	if err := o.ensureActive(ctx, b.ID); err != nil {
		return nil, err
	}

	mu := o.lockFor(b.ID)
	mu.Lock()
	defer mu.Unlock()

	b, err := o.backend.GetBooking(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("loading booking: %w", err)
	}
	if err := o.engine.Validate(b.Status, booking.StatusCompleted); err != nil {
		return nil, err
	}

	log := o.logger.WithField("booking_id", b.ID)

	if !report.Damaged {
		updated, err := o.commit(ctx, b, booking.StatusCompleted, booking.GateDamageReview, booking.StatusUpdate{})
		if err != nil {
			return nil, err
		}
		return &DamageResult{Booking: updated}, nil
	}

	if b.DepositAuthRef == "" {
		log.WithField("amount", report.Amount.String()).Warn("damage reported but no deposit held, completing without capture")
		updated, err := o.commit(ctx, b, booking.StatusCompleted, booking.GateDamageReview, booking.StatusUpdate{})
		if err != nil {
			return nil, err
		}
		return &DamageResult{Booking: updated, NoDepositHeld: true, Amount: report.Amount}, nil
	}

	if err := o.checkCapture(b, report.Amount); err != nil {
		return nil, err
	}

	res, err := o.payments.CapturePayment(ctx, payment.CaptureRequest{
		BookingID:      b.ID,
		AuthRef:        b.DepositAuthRef,
		Amount:         report.Amount,
		IdempotencyKey: captureKey(b),
	})
	if err != nil {
		return nil, fmt.Errorf("capturing damage: %w", err)
	}
	captured := res.Amount
	if captured == 0 {
		captured = report.Amount
	}

	log.WithFields(logrus.Fields{
		"amount":      captured.String(),
		"capture_ref": res.Ref,
	}).Info("damage captured")

	updated, err := o.commit(ctx, b, booking.StatusCompleted, booking.GateDamageCapture, booking.StatusUpdate{
		DamageCaptureAmount: captured,
		PaymentRef:          res.Ref,
	})
	if err != nil {
		inconsistent := &booking.InconsistentStateError{
			BookingID:   b.ID,
			Operation:   "damage_capture",
			ProviderRef: res.Ref,
			Amount:      captured,
			Target:      booking.StatusCompleted,
			Cause:       err,
		}
		o.reportInconsistent(ctx, inconsistent)
		return nil, inconsistent
	}

	o.emit(ctx, notify.EventDamageCaptured, b.ID, func(e *notify.Event) {
		e.Gate = booking.GateDamageCapture
		e.Status = booking.StatusCompleted
		e.Amount = captured
	})

	return &DamageResult{
		Booking:    updated,
		Captured:   true,
		CaptureRef: res.Ref,
		Amount:     captured,
	}, nil
}
