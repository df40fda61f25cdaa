package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/buildtall-systems/rentdesk/internal/payment"
)

var _ payment.Provider = (*Client)(nil)

// CreateCheckoutSession asks the backend to open a hosted checkout with its provider.
func (c *Client) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	var session payment.CheckoutSession
	err := c.write(ctx, "create checkout session", http.MethodPost, bookingPath(req.BookingID, "checkout-sessions"), nil, req, &session)
	if errors.Is(err, errEmptyBody) {
		return nil, fmt.Errorf("%w: create checkout session: empty body", ErrInvalidResponse)
	}
	if err != nil {
		return nil, err
	}
	if session.SessionURL == "" {
		return nil, fmt.Errorf("%w: create checkout session: missing session URL", ErrInvalidResponse)
	}
	return &session, nil
}

// GetPaymentSettlementStatus asks whether the payment for a gate has settled.
func (c *Client) GetPaymentSettlementStatus(ctx context.Context, q payment.SettlementQuery) (*payment.Settlement, error) {
	params := url.Values{}
	params.Set("kind", string(q.Kind))
	if q.SessionID != "" {
		params.Set("session", q.SessionID)
	}
	path := bookingPath(q.BookingID, "settlement") + "?" + params.Encode()

	var s payment.Settlement
	err := c.read(ctx, "get settlement status", path, &s)
	if errors.Is(err, errEmptyBody) {
		return &payment.Settlement{State: payment.SettlementPending}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RefundPayment returns money against the booking's total payment. It is never retried.
func (c *Client) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	var res payment.RefundResult
	err := c.write(ctx, "refund payment", http.MethodPost, bookingPath(req.BookingID, "refunds"), headers, req, &res)
	if errors.Is(err, errEmptyBody) {
		return &payment.RefundResult{Amount: req.Amount}, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Amount == 0 {
		res.Amount = req.Amount
	}
	return &res, nil
}

// CapturePayment charges part of the authorized deposit. It is never retried.
func (c *Client) CapturePayment(ctx context.Context, req payment.CaptureRequest) (*payment.CaptureResult, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	var res payment.CaptureResult
	err := c.write(ctx, "capture deposit", http.MethodPost, bookingPath(req.BookingID, "deposit", "capture"), headers, req, &res)
	if errors.Is(err, errEmptyBody) {
		return &payment.CaptureResult{Ref: req.AuthRef, Amount: req.Amount}, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Amount == 0 {
		res.Amount = req.Amount
	}
	return &res, nil
}
