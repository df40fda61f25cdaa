// Package stripepay collects booking payments through Stripe Checkout. Deposits are
// placed as manual-capture payment intents so damage can be charged later.
package stripepay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/payment"
)

// ErrMissingSecretKey indicates the provider was configured without an API key.
var ErrMissingSecretKey = errors.New("stripe secret key is required")

// ErrMissingSession indicates a settlement check without a checkout session id.
var ErrMissingSession = errors.New("checkout session id is required")

// ErrRejected indicates Stripe refused the request.
var ErrRejected = errors.New("stripe rejected request")

const defaultCurrency = "eur"

type Config struct {
	SecretKey string
	Currency  string
	// BackendURL overrides the Stripe API base URL (for testing).
	BackendURL string
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

type Provider struct {
	api      *client.API
	currency string
	logger   logrus.FieldLogger
}

var _ payment.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingSecretKey
	}
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// Refunds and captures must not be resent automatically.
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	return &Provider{
		api:      client.New(cfg.SecretKey, backends),
		currency: currency,
		logger:   logger,
	}, nil
}

func lineItemName(req payment.CheckoutRequest) string {
	if req.Kind == booking.GateSecurityDeposit {
		return "Security deposit for booking " + req.BookingID
	}
	return "Rental booking " + req.BookingID
}

func (p *Provider) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	currency := p.currency
	if req.Currency != "" {
		currency = strings.ToLower(req.Currency)
	}
	meta := map[string]string{
		"booking_id": req.BookingID,
		"gate":       string(req.Kind),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.BookingID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(int64(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(lineItemName(req)),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	if req.Kind == booking.GateSecurityDeposit {
		params.PaymentIntentData.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classify("create checkout session", err)
	}

	p.logger.WithFields(logrus.Fields{
		"booking_id": req.BookingID,
		"gate":       req.Kind,
		"session_id": s.ID,
	}).Debug("stripe checkout session created")

	return &payment.CheckoutSession{ID: s.ID, SessionURL: s.URL}, nil
}

func (p *Provider) GetPaymentSettlementStatus(ctx context.Context, q payment.SettlementQuery) (*payment.Settlement, error) {
	if q.SessionID == "" {
		return nil, ErrMissingSession
	}
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("payment_intent")
	params.Context = ctx

	s, err := p.api.CheckoutSessions.Get(q.SessionID, params)
	if err != nil {
		return nil, classify("get checkout session", err)
	}
	return settlementFromSession(s, q.Kind), nil
}

func settlementFromSession(s *stripe.CheckoutSession, kind booking.GateKind) *payment.Settlement {
	switch s.Status {
	case stripe.CheckoutSessionStatusExpired:
		return &payment.Settlement{State: payment.SettlementCancelled}
	case stripe.CheckoutSessionStatusOpen:
		return &payment.Settlement{State: payment.SettlementPending}
	}

	pi := s.PaymentIntent
	if pi == nil {
		return &payment.Settlement{State: payment.SettlementPending}
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &payment.Settlement{Settled: true, State: payment.SettlementSettled, Ref: pi.ID, Amount: booking.Amount(pi.AmountReceived)}
	case stripe.PaymentIntentStatusRequiresCapture:
		if kind == booking.GateSecurityDeposit {
			return &payment.Settlement{Settled: true, State: payment.SettlementSettled, Ref: pi.ID, Amount: booking.Amount(pi.AmountCapturable)}
		}
		return &payment.Settlement{State: payment.SettlementPending}
	case stripe.PaymentIntentStatusCanceled:
		return &payment.Settlement{State: payment.SettlementCancelled}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return &payment.Settlement{State: payment.SettlementFailed}
	default:
		return &payment.Settlement{State: payment.SettlementPending}
	}
}

func (p *Provider) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(int64(req.Amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.AddMetadata("booking_id", req.BookingID)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	r, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, classify("refund payment", err)
	}
	return &payment.RefundResult{ProviderRef: r.ID, Amount: booking.Amount(r.Amount)}, nil
}

func (p *Provider) CapturePayment(ctx context.Context, req payment.CaptureRequest) (*payment.CaptureResult, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(int64(req.Amount)),
	}
	params.AddMetadata("booking_id", req.BookingID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Capture(req.AuthRef, params)
	if err != nil {
		return nil, classify("capture deposit", err)
	}
	return &payment.CaptureResult{Ref: pi.ID, Amount: booking.Amount(pi.AmountReceived)}, nil
}

// classify maps Stripe failures onto the orchestrator's error kinds.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &booking.NetworkError{Op: op, Err: err}
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
		return &booking.NetworkError{Op: op, StatusCode: se.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, op, se.Msg)
}
