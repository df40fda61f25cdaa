// Package refund returns money against a booking's total payment and cancels the
// booking once the refund has gone through.
package refund

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/fsm"
	"github.com/buildtall-systems/rentdesk/internal/incident"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
)

// ErrMissingDependency indicates the coordinator was built without a required collaborator.
var ErrMissingDependency = errors.New("refund: missing dependency")

// Backend reads bookings and writes their status changes.
type Backend interface {
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	UpdateBookingStatus(ctx context.Context, id string, status booking.Status, update booking.StatusUpdate) (*booking.Booking, error)
}

// Journal records committed transitions for audit.
type Journal interface {
	RecordTransition(ctx context.Context, bookingID string, from, to booking.Status, gate booking.GateKind) error
}

type Config struct {
	Backend   Backend
	Payments  payment.Provider
	Incidents incident.Store
	Journal   Journal
	Notifier  notify.Notifier
	Engine    *fsm.StatusEngine
	Logger    logrus.FieldLogger
}

// Coordinator issues refunds. Refunds are never retried automatically. Refunds of one
// booking are serialized.
type Coordinator struct {
	backend   Backend
	payments  payment.Provider
	incidents incident.Store
	journal   Journal
	notifier  notify.Notifier
	engine    *fsm.StatusEngine
	logger    logrus.FieldLogger
	now       func() time.Time
	newID     func() string
	locks     *xsync.MapOf[string, *sync.Mutex]
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: backend", ErrMissingDependency)
	}
	if cfg.Payments == nil {
		return nil, fmt.Errorf("%w: payment provider", ErrMissingDependency)
	}
	c := &Coordinator{
		backend:   cfg.Backend,
		payments:  cfg.Payments,
		incidents: cfg.Incidents,
		journal:   cfg.Journal,
		notifier:  cfg.Notifier,
		engine:    cfg.Engine,
		logger:    cfg.Logger,
		now:       time.Now,
		newID:     uuid.NewString,
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
	}
	if c.engine == nil {
		c.engine = fsm.NewStatusEngine()
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	return c, nil
}

// Check runs the refund preconditions in order without touching the network.
func Check(b *booking.Booking, amount booking.Amount) error {
	if amount <= 0 {
		return booking.ErrNonPositiveRefund
	}
	if remaining := b.RefundableRemaining(); amount > remaining {
		return &booking.InvalidRefundAmountError{Requested: amount, Remaining: remaining}
	}
	if b.TotalPaymentRef == "" {
		return booking.ErrNoPaymentReference
	}
	if b.Status.Terminal() {
		return &booking.TerminalStateError{Status: b.Status, Requested: booking.StatusCancelled}
	}
	return nil
}

// Refund returns amount to the customer and cancels the booking. If the refund goes
// through but the cancel cannot be committed, an InconsistentStateError is returned, an
// incident is recorded, and nothing further happens automatically.
//
// b is only used for the cheap precondition checks. The booking is loaded again under the
// booking lock and the checks are repeated against it, so concurrent refunds can never
// sum past the total. On success b is replaced by the cancelled booking.
func (c *Coordinator) Refund(ctx context.Context, b *booking.Booking, amount booking.Amount, reason string) (*booking.RefundRecord, error) {
	if err := Check(b, amount); err != nil {
		return nil, err
	}

	mu := c.lockFor(b.ID)
	mu.Lock()
	defer mu.Unlock()

	halted, err := incident.Halted(ctx, c.incidents, b.ID)
	if err != nil {
		return nil, fmt.Errorf("checking incidents: %w", err)
	}
	if halted {
		return nil, fmt.Errorf("%w: %s", booking.ErrBookingHalted, b.ID)
	}
	current, err := c.backend.GetBooking(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("loading booking: %w", err)
	}
	if err := Check(current, amount); err != nil {
		return nil, err
	}
	if err := c.engine.Validate(current.Status, booking.StatusCancelled); err != nil {
		return nil, err
	}

	record := booking.RefundRecord{
		ID:        c.newID(),
		Amount:    amount,
		Reason:    reason,
		CreatedAt: c.now().UTC(),
	}
	log := c.logger.WithFields(logrus.Fields{
		"booking_id": current.ID,
		"refund_id":  record.ID,
		"amount":     amount.String(),
	})

	res, err := c.payments.RefundPayment(ctx, payment.RefundRequest{
		BookingID:      current.ID,
		PaymentRef:     current.TotalPaymentRef,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: refundKey(current),
	})
	if err != nil {
		log.WithError(err).Warn("refund failed")
		return nil, fmt.Errorf("refunding payment: %w", err)
	}
	record.ProviderRef = res.ProviderRef
	if res.Amount > 0 && res.Amount != amount {
		log.WithFields(logrus.Fields{
			"provider_ref":    res.ProviderRef,
			"provider_amount": res.Amount.String(),
		}).Warn("provider refunded a different amount than requested")
	}
	current.Refunds = append(current.Refunds, record)
	log.WithField("provider_ref", record.ProviderRef).Info("refund issued")

	c.emit(ctx, notify.EventRefundIssued, current.ID, booking.StatusCancelled, record.Amount, reason)

	from := current.Status
	if _, err := c.backend.UpdateBookingStatus(ctx, current.ID, booking.StatusCancelled, booking.StatusUpdate{}); err != nil {
		inconsistent := &booking.InconsistentStateError{
			BookingID:   current.ID,
			Operation:   "refund",
			ProviderRef: record.ProviderRef,
			Amount:      record.Amount,
			Target:      booking.StatusCancelled,
			Cause:       err,
		}
		c.reportInconsistent(ctx, log, inconsistent)
		return nil, inconsistent
	}
	current.Status = booking.StatusCancelled
	*b = *current

	if c.journal != nil {
		if err := c.journal.RecordTransition(ctx, current.ID, from, booking.StatusCancelled, booking.GateNone); err != nil {
			log.WithError(err).Warn("cancel committed but not journaled")
		}
	}
	c.emit(ctx, notify.EventTransitionCommitted, current.ID, booking.StatusCancelled, 0, "")

	return &record, nil
}

// refundKey identifies the n-th refund of a booking, so a repeated request for the same
// refund is collapsed by the provider.
func refundKey(b *booking.Booking) string {
	return fmt.Sprintf("%s:refund:%d", b.ID, len(b.Refunds)+1)
}

func (c *Coordinator) lockFor(bookingID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrCompute(bookingID, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

func (c *Coordinator) emit(ctx context.Context, t notify.EventType, bookingID string, status booking.Status, amount booking.Amount, msg string) {
	e := notify.NewEvent(t, bookingID)
	e.Status = status
	e.Amount = amount
	e.Message = msg
	c.notifier.Notify(ctx, e)
}

func (c *Coordinator) reportInconsistent(ctx context.Context, log logrus.FieldLogger, e *booking.InconsistentStateError) {
	if c.incidents != nil {
		if _, err := c.incidents.Record(ctx, e); err != nil {
			log.WithError(err).Error("failed to record incident")
		}
	}
	log.WithError(e.Cause).Error("refund issued but cancel was not committed")
	c.emit(ctx, notify.EventInconsistentState, e.BookingID, e.Target, e.Amount, e.Error())
}
