package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/gate"
	"github.com/buildtall-systems/rentdesk/internal/incident"
	"github.com/buildtall-systems/rentdesk/internal/payment"
	"github.com/buildtall-systems/rentdesk/internal/refund"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

const (
	testOperator = "op-desk"
	testAdmin    = "op-admin"
)

type fakeBackend struct {
	mu        sync.Mutex
	bookings  map[string]booking.Booking
	updateErr error
}

func (f *fakeBackend) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s not found", id)
	}
	return &b, nil
}

func (f *fakeBackend) UpdateBookingStatus(ctx context.Context, id string, status booking.Status, update booking.StatusUpdate) (*booking.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	b := f.bookings[id]
	b.Status = status
	switch status {
	case booking.StatusConfirmed:
		if update.PaymentRef != "" {
			b.TotalPaymentRef = update.PaymentRef
			b.PaymentStatus = booking.PaymentPaid
		}
	case booking.StatusActive:
		if update.PaymentRef != "" {
			b.DepositAuthRef = update.PaymentRef
			b.DepositAuthorizedAmount = update.DepositAuthorizedAmount
		}
	case booking.StatusCompleted:
		b.DepositCapturedAmount += update.DamageCaptureAmount
	}
	f.bookings[id] = b
	return &b, nil
}

func (f *fakeBackend) status(id string) booking.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookings[id].Status
}

type fakeProvider struct {
	mu       sync.Mutex
	settled  bool
	captures []payment.CaptureRequest
	refunds  []payment.RefundRequest
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	return &payment.CheckoutSession{ID: "cs_1", SessionURL: "https://pay.example/cs_1"}, nil
}

func (p *fakeProvider) GetPaymentSettlementStatus(ctx context.Context, q payment.SettlementQuery) (*payment.Settlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled {
		return &payment.Settlement{State: payment.SettlementPending}, nil
	}
	return &payment.Settlement{Settled: true, State: payment.SettlementSettled, Ref: "pay_" + q.BookingID}, nil
}

func (p *fakeProvider) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	return &payment.RefundResult{ProviderRef: "re_1", Amount: req.Amount}, nil
}

func (p *fakeProvider) CapturePayment(ctx context.Context, req payment.CaptureRequest) (*payment.CaptureResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures = append(p.captures, req)
	return &payment.CaptureResult{Ref: "cap_1", Amount: req.Amount}, nil
}

type fixture struct {
	env       Env
	backend   *fakeBackend
	provider  *fakeProvider
	store     *resume.MemoryStore
	incidents *incident.MemoryStore
}

func newFixture(t *testing.T, bs ...booking.Booking) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &fixture{
		backend:   &fakeBackend{bookings: make(map[string]booking.Booking)},
		provider:  &fakeProvider{},
		store:     resume.NewMemoryStore(time.Minute),
		incidents: incident.NewMemoryStore(),
	}
	for _, b := range bs {
		f.backend.bookings[b.ID] = b
	}

	g, err := gate.New(gate.Config{
		Backend:              f.backend,
		Payments:             f.provider,
		Store:                f.store,
		Incidents:            f.incidents,
		Policy:               booking.CompanyPolicy{DepositMandatory: true, DefaultDepositAmount: 20000},
		PublicURL:            "https://desk.example",
		SettlementRetryDelay: time.Millisecond,
		Logger:               logger,
	})
	require.NoError(t, err)
	t.Cleanup(g.Close)

	r, err := refund.New(refund.Config{
		Backend:   f.backend,
		Payments:  f.provider,
		Incidents: f.incidents,
		Engine:    g.Engine(),
		Logger:    logger,
	})
	require.NoError(t, err)

	f.env = Env{
		Bookings:  f.backend,
		Gate:      g,
		Refunds:   r,
		Incidents: f.incidents,
		Admins:    []string{testAdmin},
	}
	return f
}

func (f *fixture) run(t *testing.T, line, operator string) Result {
	t.Helper()
	cmd := Parse(line)
	require.NotNil(t, cmd)
	if err := CanExecute(cmd, operator, f.env.Admins); err != nil {
		return Result{Error: err}
	}
	return Execute(context.Background(), f.env, cmd, operator)
}

func pending(id string) booking.Booking {
	return booking.Booking{ID: id, Status: booking.StatusPending, TotalAmount: 25000, PaymentStatus: booking.PaymentUnpaid}
}

func confirmed(id string) booking.Booking {
	return booking.Booking{
		ID:              id,
		Status:          booking.StatusConfirmed,
		TotalAmount:     25000,
		PaymentStatus:   booking.PaymentPaid,
		TotalPaymentRef: "pay_" + id,
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantNil  bool
		wantName string
		wantArgs []string
	}{
		{name: "empty string", input: "", wantNil: true},
		{name: "whitespace only", input: "   \t\n  ", wantNil: true},
		{name: "single command", input: "incidents", wantName: "incidents", wantArgs: []string{}},
		{name: "command with args", input: "status bk-1", wantName: "status", wantArgs: []string{"bk-1"}},
		{name: "uppercase name", input: "ADVANCE bk-1 confirmed", wantName: "advance", wantArgs: []string{"bk-1", "confirmed"}},
		{name: "extra spaces", input: "  refund   bk-1  10.00  late  ", wantName: "refund", wantArgs: []string{"bk-1", "10.00", "late"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantName, got.Name)
			assert.Equal(t, tt.wantArgs, got.Args)
		})
	}
}

func TestCommandClassification(t *testing.T) {
	for _, name := range []string{CmdStatus, CmdAdvance, CmdCheckout, CmdPay, CmdResume, CmdDamage, CmdAbandon, CmdIncidents, CmdHelp} {
		c := &Command{Name: name}
		assert.True(t, c.IsOperatorCommand(), name)
		assert.False(t, c.IsAdminCommand(), name)
		assert.True(t, c.IsValid(), name)
	}
	for _, name := range []string{CmdRefund, CmdAck} {
		c := &Command{Name: name}
		assert.True(t, c.IsAdminCommand(), name)
		assert.True(t, c.IsValid(), name)
	}
	assert.False(t, (&Command{Name: "launch"}).IsValid())
}

func TestCanExecute(t *testing.T) {
	admins := []string{testAdmin}
	refundCmd := &Command{Name: CmdRefund}
	statusCmd := &Command{Name: CmdStatus}

	assert.NoError(t, CanExecute(statusCmd, testOperator, admins))
	assert.NoError(t, CanExecute(refundCmd, testAdmin, admins))
	assert.ErrorIs(t, CanExecute(refundCmd, testOperator, admins), ErrAdminRequired)
	assert.ErrorIs(t, CanExecute(&Command{Name: CmdAck}, testOperator, admins), ErrAdminRequired)
	assert.ErrorIs(t, CanExecute(statusCmd, "", admins), ErrNoOperator)
}

func TestHelp(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "help", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "Available commands")
	assert.NotContains(t, res.Message, "Admin commands")

	res = f.run(t, "help", testAdmin)
	assert.Contains(t, res.Message, "Admin commands")

	res = f.run(t, "launch rockets", testOperator)
	assert.Contains(t, res.Message, "Available commands")
}

func TestStatus(t *testing.T) {
	f := newFixture(t, pending("bk-1"))

	res := f.run(t, "status bk-1", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "Booking bk-1: pending")
	assert.Contains(t, res.Message, "Total:   250.00 (unpaid")
	assert.Contains(t, res.Message, "needs totalPayment")
	assert.NotContains(t, res.Message, "Pending:")

	res = f.run(t, "status", testOperator)
	assert.EqualError(t, res.Error, "usage: status <booking>")

	res = f.run(t, "status bk-404", testOperator)
	assert.Error(t, res.Error)
}

func TestAdvance(t *testing.T) {
	f := newFixture(t, pending("bk-1"), confirmed("bk-2"))

	res := f.run(t, "advance bk-1 confirmed", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "needs totalPayment of 250.00")
	assert.Contains(t, res.Message, "checkout bk-1")
	assert.Equal(t, booking.StatusPending, f.backend.status("bk-1"))

	res = f.run(t, "advance bk-1 completed", testOperator)
	var invalid *booking.InvalidTransitionError
	assert.True(t, errors.As(res.Error, &invalid))

	res = f.run(t, "advance bk-1 launched", testOperator)
	assert.ErrorIs(t, res.Error, booking.ErrUnknownStatus)

	res = f.run(t, "advance bk-2 active", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "needs securityDeposit of 200.00")

	res = f.run(t, "advance bk-2 cancelled", testOperator)
	assert.ErrorIs(t, res.Error, gate.ErrRefundRequired)
}

func TestCheckoutThenResume(t *testing.T) {
	f := newFixture(t, pending("bk-1"))

	res := f.run(t, "checkout bk-1", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "https://pay.example/cs_1")

	res = f.run(t, "status bk-1", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "Pending: totalPayment -> confirmed (250.00)")

	snap, err := f.env.Gate.RestoreIdentity(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, testOperator, snap.OperatorID)

	res = f.run(t, "resume bk-1", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "not settled yet")

	f.provider.mu.Lock()
	f.provider.settled = true
	f.provider.mu.Unlock()

	res = f.run(t, "resume bk-1", testOperator)
	require.NoError(t, res.Error)
	assert.Equal(t, "Booking bk-1 is now confirmed.", res.Message)

	res = f.run(t, "resume bk-1", testOperator)
	require.NoError(t, res.Error)
	assert.Equal(t, "Nothing pending for bk-1.", res.Message)
}

func TestCheckoutAbandon(t *testing.T) {
	f := newFixture(t, pending("bk-1"))

	require.NoError(t, f.run(t, "checkout bk-1", testOperator).Error)
	res := f.run(t, "abandon bk-1", testOperator)
	require.NoError(t, res.Error)

	_, err := f.store.Get(context.Background(), "bk-1")
	assert.ErrorIs(t, err, resume.ErrNotFound)
}

func TestCheckoutWithoutPaymentGate(t *testing.T) {
	b := confirmed("bk-1")
	b.DepositAuthRef = "auth_1"
	b.DepositAuthorizedAmount = 20000
	f := newFixture(t, b)

	res := f.run(t, "checkout bk-1", testOperator)
	assert.ErrorIs(t, res.Error, gate.ErrNotPaymentGate)
}

func TestPayAtTerminal(t *testing.T) {
	f := newFixture(t, confirmed("bk-1"))

	res := f.run(t, "pay bk-1", testOperator)
	assert.Error(t, res.Error)

	res = f.run(t, "pay bk-1 term_42", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "Booking bk-1 is now active")
	assert.Equal(t, booking.StatusActive, f.backend.status("bk-1"))

	b, err := f.backend.GetBooking(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.Equal(t, "term_42", b.DepositAuthRef)
	assert.Equal(t, booking.Amount(20000), b.DepositAuthorizedAmount)
}

func TestDamage(t *testing.T) {
	active := confirmed("bk-1")
	active.Status = booking.StatusActive
	active.DepositAuthRef = "auth_1"
	active.DepositAuthorizedAmount = 20000
	f := newFixture(t, active)

	res := f.run(t, "damage bk-1 250.00", testOperator)
	var invalid *booking.InvalidDamageAmountError
	require.True(t, errors.As(res.Error, &invalid))
	assert.Equal(t, booking.Amount(20000), invalid.Limit)

	res = f.run(t, "damage bk-1 abc", testOperator)
	assert.ErrorIs(t, res.Error, booking.ErrInvalidAmount)

	res = f.run(t, "damage bk-1 80", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "Captured 80.00")
	assert.Equal(t, booking.StatusCompleted, f.backend.status("bk-1"))
	require.Len(t, f.provider.captures, 1)
	assert.Equal(t, "auth_1", f.provider.captures[0].AuthRef)
}

func TestDamageNone(t *testing.T) {
	active := confirmed("bk-1")
	active.Status = booking.StatusActive
	f := newFixture(t, active)

	res := f.run(t, "damage bk-1 none", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "No damage charged")
	assert.Empty(t, f.provider.captures)
}

func TestDamageWithoutDepositHeld(t *testing.T) {
	active := confirmed("bk-1")
	active.Status = booking.StatusActive
	f := newFixture(t, active)

	res := f.run(t, "damage bk-1 45", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "Damage of 45.00 reported but no deposit was held")
	assert.Equal(t, booking.StatusCompleted, f.backend.status("bk-1"))
	assert.Empty(t, f.provider.captures)
}

func TestRefundRequiresAdmin(t *testing.T) {
	f := newFixture(t, confirmed("bk-1"))

	res := f.run(t, "refund bk-1 100", testOperator)
	assert.ErrorIs(t, res.Error, ErrAdminRequired)
	assert.Empty(t, f.provider.refunds)

	res = f.run(t, "refund bk-1 100 customer changed plans", testAdmin)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "Refunded 100.00")
	assert.Contains(t, res.Message, "now cancelled")
	require.Len(t, f.provider.refunds, 1)
	assert.Equal(t, "customer changed plans", f.provider.refunds[0].Reason)
}

func TestRefundOverRemaining(t *testing.T) {
	f := newFixture(t, confirmed("bk-1"))

	res := f.run(t, "refund bk-1 300", testAdmin)
	var invalid *booking.InvalidRefundAmountError
	assert.True(t, errors.As(res.Error, &invalid))
	assert.Empty(t, f.provider.refunds)
}

func TestInconsistentRefundHaltsUntilAck(t *testing.T) {
	f := newFixture(t, confirmed("bk-1"))
	f.backend.updateErr = &booking.NetworkError{Op: "update booking status", Err: errors.New("timeout")}

	res := f.run(t, "refund bk-1 100", testAdmin)
	require.Error(t, res.Error)
	assert.True(t, booking.IsInconsistent(res.Error))
	assert.Contains(t, res.Error.Error(), "ack bk-1")

	res = f.run(t, "status bk-1", testOperator)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Message, "HALTED:  refund of 100.00 (ref re_1)")

	res = f.run(t, "incidents", testOperator)
	require.NoError(t, res.Error)
	assert.True(t, strings.HasPrefix(res.Message, "1 open incident(s):"))

	f.backend.updateErr = nil
	res = f.run(t, "advance bk-1 active", testOperator)
	assert.ErrorIs(t, res.Error, booking.ErrBookingHalted)

	res = f.run(t, "ack bk-1", testOperator)
	assert.ErrorIs(t, res.Error, ErrAdminRequired)

	res = f.run(t, "ack bk-1", testAdmin)
	require.NoError(t, res.Error)
	assert.Equal(t, "Acknowledged 1 incident(s) for bk-1.", res.Message)

	res = f.run(t, "ack bk-1", testAdmin)
	require.NoError(t, res.Error)
	assert.Equal(t, "No open incidents for bk-1.", res.Message)

	res = f.run(t, "incidents", testOperator)
	assert.Equal(t, "No open incidents.", res.Message)
}
