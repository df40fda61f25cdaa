package booking

import (
	"errors"
	"fmt"
)

// ErrUnknownStatus indicates a status string outside the lifecycle.
var ErrUnknownStatus = errors.New("unknown booking status")

// ErrInvalidAmount indicates an amount string that is not a decimal with at most two places.
var ErrInvalidAmount = errors.New("invalid amount")

// ErrMissingBookingID indicates a booking without an identifier.
var ErrMissingBookingID = errors.New("booking id is required")

// ErrInvariantViolated indicates booking amounts that break a monetary invariant.
var ErrInvariantViolated = errors.New("booking invariant violated")

// ErrNonPositiveRefund indicates a refund amount of zero or less.
var ErrNonPositiveRefund = errors.New("refund amount must be greater than zero")

// ErrNoPaymentReference indicates there is no completed total payment to refund against.
var ErrNoPaymentReference = errors.New("booking has no total payment reference")

// ErrBookingHalted indicates an unacknowledged inconsistency blocks automated actions.
var ErrBookingHalted = errors.New("booking halted until operator acknowledges inconsistency")

// InvalidTransitionError is returned when the requested status is not a legal successor.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// TerminalStateError is returned when a transition is requested out of a terminal status.
type TerminalStateError struct {
	Status    Status
	Requested Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("booking is %s (terminal), cannot move to %s", e.Status, e.Requested)
}

// InvalidRefundAmountError is returned when a refund exceeds what remains refundable.
type InvalidRefundAmountError struct {
	Requested Amount
	Remaining Amount
}

func (e *InvalidRefundAmountError) Error() string {
	return fmt.Sprintf("refund of %s exceeds refundable remainder %s", e.Requested, e.Remaining)
}

// InvalidDamageAmountError is returned when a damage charge is outside (0, Limit].
type InvalidDamageAmountError struct {
	Requested Amount
	Limit     Amount
}

func (e *InvalidDamageAmountError) Error() string {
	return fmt.Sprintf("damage amount %s must be greater than 0 and at most %s", e.Requested, e.Limit)
}

// NetworkError wraps a transient failure talking to the backend or payment provider.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary is always true; the operation may be attempted again.
func (e *NetworkError) Temporary() bool { return true }

// InconsistentStateError reports that money moved but the dependent status commit failed.
// It does not unwrap to Cause, so errors.As never reports it as a NetworkError.
type InconsistentStateError struct {
	BookingID   string
	Operation   string
	ProviderRef string
	Amount      Amount
	Target      Status
	Cause       error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state for booking %s: %s of %s succeeded (ref %s) but commit of %s failed: %v",
		e.BookingID, e.Operation, e.Amount, e.ProviderRef, e.Target, e.Cause)
}

// IsInconsistent reports whether err is or wraps an InconsistentStateError.
func IsInconsistent(err error) bool {
	var ie *InconsistentStateError
	return errors.As(err, &ie)
}
