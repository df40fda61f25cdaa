// Package gate decides which payment precondition guards a status change and drives the
// checkout, resume and damage flows that satisfy it.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/fsm"
	"github.com/buildtall-systems/rentdesk/internal/incident"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
	"github.com/buildtall-systems/rentdesk/internal/poller"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

// ErrMissingDependency indicates the orchestrator was built without a required collaborator.
var ErrMissingDependency = errors.New("gate: missing dependency")

// ErrRefundRequired indicates a paid booking must be cancelled through a refund.
var ErrRefundRequired = errors.New("booking has a total payment; cancel it with a refund")

// ErrNotPaymentGate indicates a checkout was requested for a gate that collects no money.
var ErrNotPaymentGate = errors.New("gate does not collect a payment")

// ErrNothingToCollect indicates the gate amount is zero.
var ErrNothingToCollect = errors.New("gate amount is zero")

// ErrMissingPaymentRef indicates a terminal payment without a reference.
var ErrMissingPaymentRef = errors.New("payment reference is required")

// ErrGateMismatch indicates a checkout return whose gate differs from the pending intent.
var ErrGateMismatch = errors.New("returned gate does not match pending intent")

// ErrUnknownReturn indicates a checkout return result other than success or cancel.
var ErrUnknownReturn = errors.New("unknown checkout return result")

// ErrNoPrompt indicates the gate kind has nothing to present to the operator.
var ErrNoPrompt = errors.New("gate has no prompt")

// ErrDepositNotCapturable indicates the deposit hold is not in a state that can be charged.
var ErrDepositNotCapturable = errors.New("deposit cannot be captured")

const defaultSettlementRetryDelay = 500 * time.Millisecond

// DefaultSettlementRetries suits a payment provider that does no retrying of its own.
const DefaultSettlementRetries = 2

// Backend is the booking half of the rental backend.
type Backend interface {
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	// UpdateBookingStatus is a set; repeating it with the same status is harmless.
	UpdateBookingStatus(ctx context.Context, id string, status booking.Status, update booking.StatusUpdate) (*booking.Booking, error)
}

// Journal records committed transitions for audit.
type Journal interface {
	RecordTransition(ctx context.Context, bookingID string, from, to booking.Status, gate booking.GateKind) error
}

// Config wires the orchestrator. Backend, Payments and Store are required.
type Config struct {
	Backend   Backend
	Payments  payment.Provider
	Store     resume.Store
	Incidents incident.Store
	Journal   Journal
	Notifier  notify.Notifier
	Engine    *fsm.StatusEngine

	Policy booking.CompanyPolicy
	// PublicURL is where the payment provider sends the operator back to.
	PublicURL string

	// SettlementRetries bounds retries of a settlement read on network errors.
	SettlementRetries    uint64
	SettlementRetryDelay time.Duration

	Logger logrus.FieldLogger
}

// Orchestrator runs the gate flows for bookings.
type Orchestrator struct {
	engine    *fsm.StatusEngine
	deposits  *fsm.DepositStateMachine
	backend   Backend
	payments  payment.Provider
	store     resume.Store
	incidents incident.Store
	journal   Journal
	notifier  notify.Notifier
	polls     *poller.Registry
	locks     *xsync.MapOf[string, *sync.Mutex]

	policy        booking.CompanyPolicy
	publicURL     string
	settleRetries uint64
	settleDelay   time.Duration

	logger logrus.FieldLogger
	now    func() time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Backend == nil:
		return nil, fmt.Errorf("%w: backend", ErrMissingDependency)
	case cfg.Payments == nil:
		return nil, fmt.Errorf("%w: payment provider", ErrMissingDependency)
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: resumption store", ErrMissingDependency)
	}

	o := &Orchestrator{
		engine:        cfg.Engine,
		deposits:      fsm.NewDepositStateMachine(),
		backend:       cfg.Backend,
		payments:      cfg.Payments,
		store:         cfg.Store,
		incidents:     cfg.Incidents,
		journal:       cfg.Journal,
		notifier:      cfg.Notifier,
		polls:         poller.NewRegistry(),
		locks:         xsync.NewMapOf[string, *sync.Mutex](),
		policy:        cfg.Policy,
		publicURL:     cfg.PublicURL,
		settleRetries: cfg.SettlementRetries,
		settleDelay:   cfg.SettlementRetryDelay,
		logger:        cfg.Logger,
		now:           time.Now,
	}
	if o.engine == nil {
		o.engine = fsm.NewStatusEngine()
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}
	if o.settleDelay <= 0 {
		o.settleDelay = defaultSettlementRetryDelay
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return o, nil
}

// Engine returns the status engine the orchestrator validates against.
func (o *Orchestrator) Engine() *fsm.StatusEngine { return o.engine }

func (o *Orchestrator) Policy() booking.CompanyPolicy { return o.policy }

// Close stops any settlement watches.
func (o *Orchestrator) Close() {
	o.polls.CancelAll()
}

// RequiredGate returns the gate guarding a move of b to target. The first matching rule
// wins.
func RequiredGate(b *booking.Booking, target booking.Status, policy booking.CompanyPolicy) booking.GateKind {
	switch {
	case target == booking.StatusConfirmed && b.PaymentStatus != booking.PaymentPaid:
		return booking.GateTotalPayment
	case target == booking.StatusActive && policy.DepositMandatory &&
		booking.EffectiveDepositAmount(b, policy) > 0 && b.DepositAuthRef == "":
		return booking.GateSecurityDeposit
	case target == booking.StatusCompleted:
		return booking.GateDamageReview
	default:
		return booking.GateNone
	}
}

// DamageLimit is the most that may be charged against the deposit hold.
func DamageLimit(b *booking.Booking, policy booking.CompanyPolicy) booking.Amount {
	if b.DepositAuthRef == "" {
		return 0
	}
	limit := booking.EffectiveDepositAmount(b, policy)
	if b.DepositAuthorizedAmount < limit {
		limit = b.DepositAuthorizedAmount
	}
	return limit
}

// gateUpdate is the commit payload for a satisfied payment gate. A deposit commit carries
// the amount actually held so later captures can be bounded by it.
func gateUpdate(kind booking.GateKind, ref string, amount booking.Amount) booking.StatusUpdate {
	u := booking.StatusUpdate{PaymentRef: ref}
	if kind == booking.GateSecurityDeposit {
		u.DepositAuthorizedAmount = amount
	}
	return u
}

func (o *Orchestrator) gateAmount(b *booking.Booking, kind booking.GateKind) booking.Amount {
	switch kind {
	case booking.GateTotalPayment:
		return b.TotalAmount
	case booking.GateSecurityDeposit:
		return booking.EffectiveDepositAmount(b, o.policy)
	case booking.GateDamageReview, booking.GateDamageCapture:
		return DamageLimit(b, o.policy)
	default:
		return 0
	}
}

// ensureActive refuses automated work on a booking with an open incident.
func (o *Orchestrator) ensureActive(ctx context.Context, bookingID string) error {
	halted, err := incident.Halted(ctx, o.incidents, bookingID)
	if err != nil {
		return fmt.Errorf("checking incidents: %w", err)
	}
	if halted {
		return fmt.Errorf("%w: %s", booking.ErrBookingHalted, bookingID)
	}
	return nil
}

func (o *Orchestrator) lockFor(bookingID string) *sync.Mutex {
	mu, _ := o.locks.LoadOrCompute(bookingID, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

func (o *Orchestrator) emit(ctx context.Context, t notify.EventType, bookingID string, set func(e *notify.Event)) {
	e := notify.NewEvent(t, bookingID)
	if set != nil {
		set(&e)
	}
	o.notifier.Notify(ctx, e)
}

// commit validates and writes the status change, then journals it.
func (o *Orchestrator) commit(ctx context.Context, b *booking.Booking, target booking.Status, kind booking.GateKind, update booking.StatusUpdate) (*booking.Booking, error) {
	if _, err := o.engine.Transition(ctx, b.Status, target); err != nil {
		return nil, err
	}

	updated, err := o.backend.UpdateBookingStatus(ctx, b.ID, target, update)
	if err != nil {
		return nil, fmt.Errorf("committing %s for booking %s: %w", target, b.ID, err)
	}

	log := o.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"from":       b.Status,
		"to":         target,
		"gate":       kind,
	})
	if o.journal != nil {
		if err := o.journal.RecordTransition(ctx, b.ID, b.Status, target, kind); err != nil {
			log.WithError(err).Warn("transition committed but not journaled")
		}
	}
	log.Info("transition committed")

	o.emit(ctx, notify.EventTransitionCommitted, b.ID, func(e *notify.Event) {
		e.Status = target
		e.Gate = kind
	})
	return updated, nil
}

// reportInconsistent records the incident that halts the booking and raises the alarm.
func (o *Orchestrator) reportInconsistent(ctx context.Context, e *booking.InconsistentStateError) {
	log := o.logger.WithFields(logrus.Fields{
		"booking_id":   e.BookingID,
		"operation":    e.Operation,
		"provider_ref": e.ProviderRef,
		"amount":       e.Amount.String(),
	})
	if o.incidents != nil {
		if _, err := o.incidents.Record(ctx, e); err != nil {
			log.WithError(err).Error("failed to record incident")
		}
	}
	log.WithError(e.Cause).Error("money moved but status commit failed")

	o.emit(ctx, notify.EventInconsistentState, e.BookingID, func(ev *notify.Event) {
		ev.Status = e.Target
		ev.Amount = e.Amount
		ev.Message = e.Error()
	})
}
