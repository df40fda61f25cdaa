// Package payment defines the operations the orchestrator needs from whatever collects
// money: the rental backend's payment endpoints or Stripe directly.
package payment

import (
	"context"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

// Provider collects, verifies, refunds and captures payments for bookings.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetPaymentSettlementStatus(ctx context.Context, q SettlementQuery) (*Settlement, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CapturePayment(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
}

// CheckoutRequest asks for a hosted checkout session.
type CheckoutRequest struct {
	BookingID  string           `json:"bookingId"`
	Kind       booking.GateKind `json:"kind"`
	Amount     booking.Amount   `json:"amount"`
	Currency   string           `json:"currency,omitempty"`
	SuccessURL string           `json:"successUrl"`
	CancelURL  string           `json:"cancelUrl"`
}

// CheckoutSession is where the operator is redirected to pay.
type CheckoutSession struct {
	ID         string `json:"id"`
	SessionURL string `json:"sessionUrl"`
}

// SettlementQuery identifies the payment being verified.
type SettlementQuery struct {
	BookingID string           `json:"bookingId"`
	Kind      booking.GateKind `json:"kind"`
	SessionID string           `json:"sessionId,omitempty"`
}

// SettlementState refines Settled for the cases a bool cannot express.
type SettlementState string

const (
	SettlementSettled   SettlementState = "settled"
	SettlementPending   SettlementState = "pending"
	SettlementFailed    SettlementState = "failed"
	SettlementCancelled SettlementState = "cancelled"
)

// Settlement is the provider's answer to "did this payment land".
type Settlement struct {
	Settled bool            `json:"settled"`
	State   SettlementState `json:"state,omitempty"`
	// Ref is the completed payment or authorization reference.
	Ref string `json:"ref,omitempty"`
	// Amount is the amount paid, or held for a deposit authorization.
	Amount booking.Amount `json:"amount,omitempty"`
}

// Resolved returns the effective state. A response without a state is settled or pending.
func (s *Settlement) Resolved() SettlementState {
	if s.Settled {
		return SettlementSettled
	}
	switch s.State {
	case SettlementFailed, SettlementCancelled:
		return s.State
	default:
		return SettlementPending
	}
}

// RefundRequest returns part of the booking total.
type RefundRequest struct {
	BookingID      string         `json:"bookingId"`
	PaymentRef     string         `json:"paymentRef"`
	Amount         booking.Amount `json:"amount"`
	Reason         string         `json:"reason"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// RefundResult is the provider's record of an issued refund.
type RefundResult struct {
	ProviderRef string         `json:"providerRef"`
	Amount      booking.Amount `json:"amount"`
}

// CaptureRequest charges part of an authorized deposit. A hold is captured at most once,
// so IdempotencyKey is derived from the booking and the hold.
type CaptureRequest struct {
	BookingID      string         `json:"bookingId"`
	AuthRef        string         `json:"authRef"`
	Amount         booking.Amount `json:"amount"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// CaptureResult is the provider's record of a captured deposit.
type CaptureResult struct {
	Ref    string         `json:"ref"`
	Amount booking.Amount `json:"amount"`
}
