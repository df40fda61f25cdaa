package booking

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is a booking lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusActive, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition is legal out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// PaymentStatus tracks payment of the booking total.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Amount is a monetary amount in minor currency units (cents).
type Amount int64

func (a Amount) String() string {
	sign := ""
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d", sign, a/100, a%100)
}

// ParseAmount reads a major-unit decimal such as "12", "12.5" or "12.50" into cents.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	whole, frac, hasFrac := strings.Cut(strings.TrimPrefix(s, "-"), ".")
	if whole == "" || strings.ContainsAny(whole, "+-") || (hasFrac && (frac == "" || len(frac) > 2)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var cents int64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || strings.ContainsAny(frac, "+-") {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	a := Amount(units*100 + cents)
	if neg {
		a = -a
	}
	return a, nil
}

// RefundRecord is one refund issued against the booking total.
type RefundRecord struct {
	ID          string    `json:"id"`
	Amount      Amount    `json:"amount"`
	Reason      string    `json:"reason"`
	ProviderRef string    `json:"providerRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Booking is the orchestrator's view of a booking owned by the backend.
// Empty reference strings mean the reference is absent.
type Booking struct {
	ID                      string         `json:"id"`
	Status                  Status         `json:"status"`
	TotalAmount             Amount         `json:"totalAmount"`
	SecurityDepositAmount   Amount         `json:"securityDepositAmount"`
	PaymentStatus           PaymentStatus  `json:"paymentStatus"`
	TotalPaymentRef         string         `json:"totalPaymentRef,omitempty"`
	DepositAuthRef          string         `json:"depositAuthRef,omitempty"`
	DepositAuthorizedAmount Amount         `json:"depositAuthorizedAmount"`
	DepositCapturedAmount   Amount         `json:"depositCapturedAmount"`
	Refunds                 []RefundRecord `json:"refunds"`
}

// RefundedTotal sums all refunds issued so far.
func (b *Booking) RefundedTotal() Amount {
	var sum Amount
	for _, r := range b.Refunds {
		sum += r.Amount
	}
	return sum
}

// RefundableRemaining is the part of the total that has not been refunded.
func (b *Booking) RefundableRemaining() Amount {
	return b.TotalAmount - b.RefundedTotal()
}

// Validate checks the monetary invariants of the booking.
func (b *Booking) Validate() error {
	if b.ID == "" {
		return ErrMissingBookingID
	}
	if !b.Status.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, b.Status)
	}
	if b.TotalAmount < 0 || b.SecurityDepositAmount < 0 || b.DepositCapturedAmount < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvariantViolated)
	}
	if b.RefundedTotal() > b.TotalAmount {
		return fmt.Errorf("%w: refunds %s exceed total %s", ErrInvariantViolated, b.RefundedTotal(), b.TotalAmount)
	}
	if b.SecurityDepositAmount > 0 && b.DepositCapturedAmount > b.SecurityDepositAmount {
		return fmt.Errorf("%w: captured %s exceeds deposit %s", ErrInvariantViolated, b.DepositCapturedAmount, b.SecurityDepositAmount)
	}
	return nil
}

// CompanyPolicy holds the rental company's payment rules.
type CompanyPolicy struct {
	DepositMandatory     bool
	DefaultDepositAmount Amount
	Currency             string
}

// EffectiveDepositAmount prefers the booking-specific deposit over the company default.
func EffectiveDepositAmount(b *Booking, p CompanyPolicy) Amount {
	if b.SecurityDepositAmount > 0 {
		return b.SecurityDepositAmount
	}
	return p.DefaultDepositAmount
}

// StatusUpdate carries optional facts committed together with a status change.
// DepositAuthorizedAmount is the hold placed when the deposit gate is satisfied.
type StatusUpdate struct {
	DamageCaptureAmount     Amount `json:"damageCaptureAmount,omitempty"`
	PaymentRef              string `json:"paymentRef,omitempty"`
	DepositAuthorizedAmount Amount `json:"depositAuthorizedAmount,omitempty"`
}
