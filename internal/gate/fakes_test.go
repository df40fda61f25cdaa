package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/incident"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

var errBackendDown = errors.New("backend down")

type statusCall struct {
	ID     string
	Status booking.Status
	Update booking.StatusUpdate
}

type fakeBackend struct {
	mu        sync.Mutex
	bookings  map[string]booking.Booking
	updates   []statusCall
	gets      int
	updateErr error
}

func newFakeBackend(bs ...booking.Booking) *fakeBackend {
	f := &fakeBackend{bookings: make(map[string]booking.Booking)}
	for _, b := range bs {
		f.bookings[b.ID] = b
	}
	return f
}

func (f *fakeBackend) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	b, ok := f.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s not found", id)
	}
	return &b, nil
}

func (f *fakeBackend) UpdateBookingStatus(ctx context.Context, id string, status booking.Status, update booking.StatusUpdate) (*booking.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Widen the window for racing callers.
	time.Sleep(time.Millisecond)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, statusCall{ID: id, Status: status, Update: update})

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

func (f *fakeBackend) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeBackend) lastUpdate() statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func (f *fakeBackend) setStatus(id string, status booking.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bookings[id]
	b.Status = status
	f.bookings[id] = b
}

type fakeProvider struct {
	mu          sync.Mutex
	settle      func(q payment.SettlementQuery) (*payment.Settlement, error)
	settleCalls int
	sessionErr  error
	sessions    []payment.CheckoutRequest
	captureErr  error
	captures    []payment.CaptureRequest
	refunds     []payment.RefundRequest
}

func settledWith(ref string, amount booking.Amount) func(payment.SettlementQuery) (*payment.Settlement, error) {
	return func(payment.SettlementQuery) (*payment.Settlement, error) {
		return &payment.Settlement{Settled: true, State: payment.SettlementSettled, Ref: ref, Amount: amount}, nil
	}
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	p.sessions = append(p.sessions, req)
	id := fmt.Sprintf("cs_%d", len(p.sessions))
	return &payment.CheckoutSession{ID: id, SessionURL: "https://pay.example/" + id}, nil
}

func (p *fakeProvider) GetPaymentSettlementStatus(ctx context.Context, q payment.SettlementQuery) (*payment.Settlement, error) {
	p.mu.Lock()
	p.settleCalls++
	settle := p.settle
	p.mu.Unlock()
	if settle == nil {
		return &payment.Settlement{State: payment.SettlementPending}, nil
	}
	return settle(q)
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
	if p.captureErr != nil {
		return nil, p.captureErr
	}
	p.captures = append(p.captures, req)
	return &payment.CaptureResult{Ref: "cap_1", Amount: req.Amount}, nil
}

func (p *fakeProvider) setSettle(fn func(payment.SettlementQuery) (*payment.Settlement, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settle = fn
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	backend   *fakeBackend
	provider  *fakeProvider
	store     resume.Store
	incidents *incident.MemoryStore
	events    *recordingNotifier
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newHarness(t *testing.T, policy booking.CompanyPolicy, bs ...booking.Booking) *harness {
	t.Helper()
	return newHarnessWithStore(t, resume.NewMemoryStore(0), policy, bs...)
}

func newHarnessWithStore(t *testing.T, store resume.Store, policy booking.CompanyPolicy, bs ...booking.Booking) *harness {
	t.Helper()
	h := &harness{
		backend:   newFakeBackend(bs...),
		provider:  &fakeProvider{},
		store:     store,
		incidents: incident.NewMemoryStore(),
		events:    &recordingNotifier{},
	}
	orch, err := New(Config{
		Backend:              h.backend,
		Payments:             h.provider,
		Store:                store,
		Incidents:            h.incidents,
		Notifier:             h.events,
		Policy:               policy,
		PublicURL:            "https://desk.example/",
		SettlementRetries:    2,
		SettlementRetryDelay: time.Millisecond,
		Logger:               quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	h.orch = orch
	return h
}

func pendingBooking() booking.Booking {
	return booking.Booking{
		ID:            "bk-1",
		Status:        booking.StatusPending,
		TotalAmount:   250,
		PaymentStatus: booking.PaymentUnpaid,
	}
}
