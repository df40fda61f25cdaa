package gate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

// Method is one way the operator can satisfy a gate.
type Method string

const (
	MethodTerminal       Method = "terminal"
	MethodHostedCheckout Method = "hostedCheckout"
	MethodNoDamage       Method = "noDamage"
	MethodDamage         Method = "damage"
)

// Prompt is what the operator is shown when a gate opens.
type Prompt struct {
	BookingID string
	Kind      booking.GateKind
	Target    booking.Status
	Amount    booking.Amount
	Methods   []Method
}

// Checkout is a started hosted checkout. The operator is sent to RedirectURL.
type Checkout struct {
	BookingID   string
	Kind        booking.GateKind
	Amount      booking.Amount
	SessionID   string
	RedirectURL string
}

// Return results carried on the checkout return URL.
const (
	ReturnSuccess = "success"
	ReturnCancel  = "cancel"
)

// ReturnPath is the path the payment provider redirects back to.
const ReturnPath = "/checkout/return"

// OpenGate lists the ways the operator can satisfy the gate.
func (o *Orchestrator) OpenGate(ctx context.Context, kind booking.GateKind, b *booking.Booking) (*Prompt, error) {
	target, ok := kind.Target()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrompt, kind)
	}

	p := &Prompt{
		BookingID: b.ID,
		Kind:      kind,
		Target:    target,
		Amount:    o.gateAmount(b, kind),
	}
	switch {
	case kind.IsPayment():
		p.Methods = []Method{MethodTerminal, MethodHostedCheckout}
	case kind == booking.GateDamageReview:
		p.Methods = []Method{MethodNoDamage, MethodDamage}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoPrompt, kind)
	}

	o.emit(ctx, notify.EventGateOpened, b.ID, func(e *notify.Event) {
		e.Gate = kind
		e.Status = target
		e.Amount = p.Amount
	})
	return p, nil
}

// ReturnURL builds the redirect target for a checkout result.
func (o *Orchestrator) ReturnURL(bookingID string, kind booking.GateKind, result string) string {
	q := url.Values{}
	q.Set("booking", bookingID)
	q.Set("gate", string(kind))
	q.Set("result", result)
	return strings.TrimRight(o.publicURL, "/") + ReturnPath + "?" + q.Encode()
}

// StartCheckout records the intent and opens a hosted checkout for the gate. The intent
// is written before control leaves for the provider; if the session cannot be created
// the intent is removed again.
func (o *Orchestrator) StartCheckout(ctx context.Context, b *booking.Booking, kind booking.GateKind) (*Checkout, error) {
	if !kind.IsPayment() {
		return nil, fmt.Errorf("%w: %s", ErrNotPaymentGate, kind)
	}
	target, _ := kind.Target()
	if err := o.engine.Validate(b.Status, target); err != nil {
		return nil, err
	}
	if err := o.ensureActive(ctx, b.ID); err != nil {
		return nil, err
	}
	amount := o.gateAmount(b, kind)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s for booking %s", ErrNothingToCollect, kind, b.ID)
	}

	mu := o.lockFor(b.ID)
	mu.Lock()
	defer mu.Unlock()

	intent := &booking.TransitionIntent{
		BookingID:    b.ID,
		TargetStatus: target,
		GateKind:     kind,
		Amount:       amount,
		CreatedAt:    o.now().UTC(),
	}
	if err := o.store.Set(ctx, intent); err != nil {
		return nil, fmt.Errorf("saving intent: %w", err)
	}

	session, err := o.payments.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		BookingID:  b.ID,
		Kind:       kind,
		Amount:     amount,
		Currency:   o.policy.Currency,
		SuccessURL: o.ReturnURL(b.ID, kind, ReturnSuccess),
		CancelURL:  o.ReturnURL(b.ID, kind, ReturnCancel),
	})
	if err != nil {
		o.dropIntent(ctx, b.ID)
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}

	intent.CheckoutSessionID = session.ID
	if err := o.store.Set(ctx, intent); err != nil {
		o.dropIntent(ctx, b.ID)
		return nil, fmt.Errorf("saving checkout session: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"gate":       kind,
		"amount":     amount.String(),
		"session_id": session.ID,
	}).Info("checkout started")
	o.emit(ctx, notify.EventCheckoutStarted, b.ID, func(e *notify.Event) {
		e.Gate = kind
		e.Status = target
		e.Amount = amount
	})

	return &Checkout{
		BookingID:   b.ID,
		Kind:        kind,
		Amount:      amount,
		SessionID:   session.ID,
		RedirectURL: session.SessionURL,
	}, nil
}

func (o *Orchestrator) dropIntent(ctx context.Context, bookingID string) {
	if err := o.store.Clear(ctx, bookingID); err != nil {
		o.logger.WithError(err).WithField("booking_id", bookingID).Warn("failed to clear intent")
	}
}

// SuspendIdentity stores the operator identity before the redirect to the provider.
func (o *Orchestrator) SuspendIdentity(ctx context.Context, snap *booking.IdentitySnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = o.now().UTC()
	}
	return o.store.PutIdentity(ctx, snap)
}

// RestoreIdentity consumes the stored operator identity. It returns nil when there is
// none or it has expired.
func (o *Orchestrator) RestoreIdentity(ctx context.Context) (*booking.IdentitySnapshot, error) {
	snap, err := o.store.TakeIdentity(ctx)
	if errors.Is(err, resume.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}
