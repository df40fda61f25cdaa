package gate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
	"github.com/buildtall-systems/rentdesk/internal/poller"
)

func watchKey(bookingID string) string {
	return "settlement:" + bookingID
}

// SettlementProbe turns a settlement check into a poller probe: settled completes the
// poll, failed or cancelled fails it, anything else keeps it going.
func SettlementProbe(p payment.Provider, q payment.SettlementQuery) poller.Probe {
	return func(ctx context.Context) (*poller.Progress, error) {
		s, err := p.GetPaymentSettlementStatus(ctx, q)
		if err != nil {
			return nil, err
		}
		switch s.Resolved() {
		case payment.SettlementSettled:
			return &poller.Progress{Percent: 100, Status: poller.StatusCompleted}, nil
		case payment.SettlementFailed, payment.SettlementCancelled:
			return &poller.Progress{Status: poller.StatusError}, nil
		default:
			return &poller.Progress{Status: poller.StatusProcessing}, nil
		}
	}
}

// WatchSettlement polls the provider for a pending checkout. This covers an operator who
// never comes back through the return URL. When the poll sees the payment resolve it
// runs ResumeIfPending. Starting a watch for a booking replaces any earlier watch.
func (o *Orchestrator) WatchSettlement(ctx context.Context, bookingID string, opts poller.Options) (*poller.Handle, error) {
	intent, err := o.store.Get(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("reading intent: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = o.logger
	}

	probe := SettlementProbe(o.payments, payment.SettlementQuery{
		BookingID: intent.BookingID,
		Kind:      intent.GateKind,
		SessionID: intent.CheckoutSessionID,
	})
	h := o.polls.Start(ctx, watchKey(bookingID), probe, opts)

	go func() {
		<-h.Done()
		res := h.Result()
		o.emit(ctx, notify.EventPollFinished, bookingID, func(e *notify.Event) {
			e.Gate = intent.GateKind
			e.Message = string(res.Outcome)
		})
		if res.Outcome != poller.OutcomeCompleted && res.Outcome != poller.OutcomeFailed {
			return
		}
		if _, err := o.ResumeIfPending(context.WithoutCancel(ctx), bookingID); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"booking_id": bookingID,
				"outcome":    res.Outcome,
			}).Warn("resume after settlement watch failed")
		}
	}()
	return h, nil
}
