package stripepay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/payment"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New(Config{
		SecretKey:  "sk_test_123",
		Currency:   "EUR",
		BackendURL: srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return p
}

func TestNewRequiresSecretKey(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingSecretKey)
}

func TestCreateDepositCheckoutUsesManualCapture(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "manual", r.PostForm.Get("payment_intent_data[capture_method]"))
		assert.Equal(t, "500", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "eur", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "bk-1", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "securityDeposit", r.PostForm.Get("metadata[gate]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_1","status":"open"}`))
	})

	s, err := p.CreateCheckoutSession(context.Background(), payment.CheckoutRequest{
		BookingID:  "bk-1",
		Kind:       booking.GateSecurityDeposit,
		Amount:     500,
		SuccessURL: "https://desk.example/checkout/return?result=success",
		CancelURL:  "https://desk.example/checkout/return?result=cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", s.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", s.SessionURL)
}

func TestCreateTotalCheckoutCapturesAutomatically(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Empty(t, r.PostForm.Get("payment_intent_data[capture_method]"))
		_, _ = w.Write([]byte(`{"id":"cs_2","object":"checkout.session","url":"https://checkout.stripe.test/cs_2"}`))
	})

	s, err := p.CreateCheckoutSession(context.Background(), payment.CheckoutRequest{
		BookingID: "bk-1",
		Kind:      booking.GateTotalPayment,
		Amount:    250,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_2", s.ID)
}

func TestSettlementStates(t *testing.T) {
	tests := []struct {
		name   string
		kind   booking.GateKind
		body   string
		state  payment.SettlementState
		ref    string
		amount booking.Amount
	}{
		{
			name:  "open session",
			kind:  booking.GateTotalPayment,
			body:  `{"id":"cs_1","status":"open"}`,
			state: payment.SettlementPending,
		},
		{
			name:  "expired session",
			kind:  booking.GateTotalPayment,
			body:  `{"id":"cs_1","status":"expired"}`,
			state: payment.SettlementCancelled,
		},
		{
			name:   "total succeeded",
			kind:   booking.GateTotalPayment,
			body:   `{"id":"cs_1","status":"complete","payment_intent":{"id":"pi_1","status":"succeeded","amount_received":250}}`,
			state:  payment.SettlementSettled,
			ref:    "pi_1",
			amount: 250,
		},
		{
			name:   "deposit held",
			kind:   booking.GateSecurityDeposit,
			body:   `{"id":"cs_1","status":"complete","payment_intent":{"id":"pi_2","status":"requires_capture","amount_capturable":500}}`,
			state:  payment.SettlementSettled,
			ref:    "pi_2",
			amount: 500,
		},
		{
			name:  "total awaiting capture",
			kind:  booking.GateTotalPayment,
			body:  `{"id":"cs_1","status":"complete","payment_intent":{"id":"pi_3","status":"requires_capture"}}`,
			state: payment.SettlementPending,
		},
		{
			name:  "payment method declined",
			kind:  booking.GateTotalPayment,
			body:  `{"id":"cs_1","status":"complete","payment_intent":{"id":"pi_4","status":"requires_payment_method"}}`,
			state: payment.SettlementFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
				assert.Equal(t, "payment_intent", r.URL.Query().Get("expand[0]"))
				_, _ = w.Write([]byte(tt.body))
			})

			s, err := p.GetPaymentSettlementStatus(context.Background(), payment.SettlementQuery{
				BookingID: "bk-1",
				Kind:      tt.kind,
				SessionID: "cs_1",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.state, s.Resolved())
			assert.Equal(t, tt.ref, s.Ref)
			assert.Equal(t, tt.amount, s.Amount)
		})
	}
}

func TestSettlementRequiresSession(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := p.GetPaymentSettlementStatus(context.Background(), payment.SettlementQuery{BookingID: "bk-1"})
	assert.ErrorIs(t, err, ErrMissingSession)
}

func TestRefundSendsIdempotencyKey(t *testing.T) {
	var calls int
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "refund-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_1", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "150", r.PostForm.Get("amount"))
		assert.Equal(t, "requested_by_customer", r.PostForm.Get("reason"))
		assert.Equal(t, "trip cancelled", r.PostForm.Get("metadata[reason]"))
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","amount":150,"status":"succeeded"}`))
	})

	res, err := p.RefundPayment(context.Background(), payment.RefundRequest{
		BookingID:      "bk-1",
		PaymentRef:     "pi_1",
		Amount:         150,
		Reason:         "trip cancelled",
		IdempotencyKey: "refund-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.ProviderRef)
	assert.Equal(t, booking.Amount(150), res.Amount)
	assert.Equal(t, 1, calls)
}

func TestCaptureDeposit(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_2/capture", r.URL.Path)
		assert.Equal(t, "bk-1:pi_2", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "300", r.PostForm.Get("amount_to_capture"))
		_, _ = w.Write([]byte(`{"id":"pi_2","object":"payment_intent","status":"succeeded","amount_received":300}`))
	})

	res, err := p.CapturePayment(context.Background(), payment.CaptureRequest{
		BookingID:      "bk-1",
		AuthRef:        "pi_2",
		Amount:         300,
		IdempotencyKey: "bk-1:pi_2",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_2", res.Ref)
	assert.Equal(t, booking.Amount(300), res.Amount)
}

func TestServerErrorsAreNetworkErrors(t *testing.T) {
	var calls int
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"try later"}}`))
	})

	_, err := p.CapturePayment(context.Background(), payment.CaptureRequest{BookingID: "bk-1", AuthRef: "pi_2", Amount: 300})
	var netErr *booking.NetworkError
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	assert.Equal(t, 1, calls, "captures are not retried")
}

func TestCardErrorsAreRejections(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","message":"card declined"}}`))
	})

	_, err := p.RefundPayment(context.Background(), payment.RefundRequest{BookingID: "bk-1", PaymentRef: "pi_1", Amount: 10})
	assert.ErrorIs(t, err, ErrRejected)
	var netErr *booking.NetworkError
	assert.False(t, errors.As(err, &netErr))
}
