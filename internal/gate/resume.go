package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

// ResumeOutcome is how a resume attempt ended.
type ResumeOutcome string

const (
	ResumeNoIntent  ResumeOutcome = "no_intent"
	ResumeCommitted ResumeOutcome = "committed"
	// ResumePending means the payment has not settled yet; the intent is kept.
	ResumePending   ResumeOutcome = "pending"
	ResumeAbandoned ResumeOutcome = "abandoned"
)

type ResumeResult struct {
	Outcome    ResumeOutcome
	Intent     *booking.TransitionIntent
	Booking    *booking.Booking
	Settlement *payment.Settlement
	// AlreadyApplied is set when the backend already held the target status.
	AlreadyApplied bool
}

// Return is the redirect back from the payment provider.
type Return struct {
	BookingID string
	Gate      booking.GateKind
	Result    string
}

// ResumeIfPending finishes a transition that was waiting on a hosted checkout. The
// stored intent is only a hint: nothing commits until the provider confirms settlement,
// and the intent is cleared only after the commit succeeds. Calls for the same booking
// are serialized so the commit is issued once.
func (o *Orchestrator) ResumeIfPending(ctx context.Context, bookingID string) (*ResumeResult, error) {
	mu := o.lockFor(bookingID)
	mu.Lock()
	defer mu.Unlock()

	intent, err := o.store.Get(ctx, bookingID)
	if errors.Is(err, resume.ErrNotFound) {
		return &ResumeResult{Outcome: ResumeNoIntent}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading intent: %w", err)
	}
	if err := o.ensureActive(ctx, bookingID); err != nil {
		return nil, err
	}

	log := o.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"gate":       intent.GateKind,
		"target":     intent.TargetStatus,
	})

	settlement, err := o.probeSettlement(ctx, intent)
	if err != nil {
		var netErr *booking.NetworkError
		if errors.As(err, &netErr) {
			log.WithError(err).Warn("settlement check unavailable, keeping intent")
			o.emitPending(ctx, intent)
			return &ResumeResult{Outcome: ResumePending, Intent: intent}, nil
		}
		return nil, fmt.Errorf("checking settlement: %w", err)
	}

	switch settlement.Resolved() {
	case payment.SettlementPending:
		log.Debug("payment not settled yet")
		o.emitPending(ctx, intent)
		return &ResumeResult{Outcome: ResumePending, Intent: intent, Settlement: settlement}, nil
	case payment.SettlementFailed, payment.SettlementCancelled:
		log.WithField("state", settlement.Resolved()).Info("payment did not complete, dropping intent")
		if err := o.store.Clear(ctx, bookingID); err != nil {
			return nil, fmt.Errorf("clearing intent: %w", err)
		}
		o.polls.Cancel(watchKey(bookingID))
		o.emit(ctx, notify.EventGateAbandoned, bookingID, func(e *notify.Event) {
			e.Gate = intent.GateKind
			e.Status = intent.TargetStatus
			e.Message = string(settlement.Resolved())
		})
		return &ResumeResult{Outcome: ResumeAbandoned, Intent: intent, Settlement: settlement}, nil
	}

	if settlement.Amount > 0 && settlement.Amount != intent.Amount {
		log.WithFields(logrus.Fields{
			"expected": intent.Amount.String(),
			"settled":  settlement.Amount.String(),
		}).Warn("settled amount differs from checkout amount")
	}

	b, err := o.backend.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("loading booking: %w", err)
	}

	if b.Status == intent.TargetStatus {
		log.Info("transition already applied, clearing intent")
		if err := o.store.Clear(ctx, bookingID); err != nil {
			return nil, fmt.Errorf("clearing intent: %w", err)
		}
		o.polls.Cancel(watchKey(bookingID))
		return &ResumeResult{
			Outcome:        ResumeCommitted,
			Intent:         intent,
			Booking:        b,
			Settlement:     settlement,
			AlreadyApplied: true,
		}, nil
	}

	held := settlement.Amount
	if held <= 0 {
		held = intent.Amount
	}
	updated, err := o.commit(ctx, b, intent.TargetStatus, intent.GateKind, gateUpdate(intent.GateKind, settlement.Ref, held))
	if err != nil {
		// The intent stays; the status update is a set, so a later resume can repeat it.
		return nil, err
	}
	if err := o.store.Clear(ctx, bookingID); err != nil {
		log.WithError(err).Warn("committed but failed to clear intent")
	}
	o.polls.Cancel(watchKey(bookingID))

	return &ResumeResult{
		Outcome:    ResumeCommitted,
		Intent:     intent,
		Booking:    updated,
		Settlement: settlement,
	}, nil
}

func (o *Orchestrator) emitPending(ctx context.Context, intent *booking.TransitionIntent) {
	o.emit(ctx, notify.EventPaymentPending, intent.BookingID, func(e *notify.Event) {
		e.Gate = intent.GateKind
		e.Status = intent.TargetStatus
		e.Amount = intent.Amount
	})
}

// probeSettlement asks the provider about the intent's payment, retrying network errors.
func (o *Orchestrator) probeSettlement(ctx context.Context, intent *booking.TransitionIntent) (*payment.Settlement, error) {
	q := payment.SettlementQuery{
		BookingID: intent.BookingID,
		Kind:      intent.GateKind,
		SessionID: intent.CheckoutSessionID,
	}

	var settlement *payment.Settlement
	b := retry.WithMaxRetries(o.settleRetries, retry.NewConstant(o.settleDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		s, err := o.payments.GetPaymentSettlementStatus(ctx, q)
		if err != nil {
			var netErr *booking.NetworkError
			if errors.As(err, &netErr) {
				return retry.RetryableError(err)
			}
			return err
		}
		settlement = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// HandleReturn processes the provider redirect. A return whose gate does not match the
// stored intent is rejected.
func (o *Orchestrator) HandleReturn(ctx context.Context, ret Return) (*ResumeResult, error) {
	if ret.BookingID == "" {
		return nil, booking.ErrMissingBookingID
	}

	intent, err := o.store.Get(ctx, ret.BookingID)
	if errors.Is(err, resume.ErrNotFound) {
		return &ResumeResult{Outcome: ResumeNoIntent}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading intent: %w", err)
	}
	if intent.GateKind != ret.Gate {
		return nil, fmt.Errorf("%w: returned %q, pending %q", ErrGateMismatch, ret.Gate, intent.GateKind)
	}

	switch ret.Result {
	case ReturnCancel:
		if err := o.AbandonGate(ctx, ret.BookingID); err != nil {
			return nil, err
		}
		return &ResumeResult{Outcome: ResumeAbandoned, Intent: intent}, nil
	case ReturnSuccess:
		return o.ResumeIfPending(ctx, ret.BookingID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReturn, ret.Result)
	}
}
