package booking

import "time"

// GateKind names the precondition a transition must satisfy before it commits.
type GateKind string

const (
	GateNone            GateKind = "none"
	GateTotalPayment    GateKind = "totalPayment"
	GateSecurityDeposit GateKind = "securityDeposit"
	GateDamageReview    GateKind = "damageReview"
	GateDamageCapture   GateKind = "damageCapture"
)

// ParseGateKind converts a redirect flag or CLI argument into a GateKind.
func ParseGateKind(s string) (GateKind, bool) {
	switch k := GateKind(s); k {
	case GateNone, GateTotalPayment, GateSecurityDeposit, GateDamageReview, GateDamageCapture:
		return k, true
	default:
		return "", false
	}
}

// IsPayment reports whether the gate collects money through a checkout.
func (k GateKind) IsPayment() bool {
	return k == GateTotalPayment || k == GateSecurityDeposit
}

// Target returns the status a gate of this kind guards.
func (k GateKind) Target() (Status, bool) {
	switch k {
	case GateTotalPayment:
		return StatusConfirmed, true
	case GateSecurityDeposit:
		return StatusActive, true
	case GateDamageReview, GateDamageCapture:
		return StatusCompleted, true
	default:
		return "", false
	}
}

// GateUnsatisfied tells the caller a gate must be opened before the transition can commit.
// It is informational and never returned as an error.
type GateUnsatisfied struct {
	BookingID string   `json:"bookingId"`
	Kind      GateKind `json:"gateKind"`
	Target    Status   `json:"targetStatus"`
	Amount    Amount   `json:"amount"`
}

// TransitionIntent records the transition being attempted when control left for the
// payment provider.
type TransitionIntent struct {
	BookingID         string    `json:"bookingId"`
	TargetStatus      Status    `json:"targetStatus"`
	GateKind          GateKind  `json:"gateKind"`
	Amount            Amount    `json:"amount"`
	CheckoutSessionID string    `json:"checkoutSessionId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// IdentitySnapshot restores the operator session after returning from the provider.
type IdentitySnapshot struct {
	OperatorID   string    `json:"operatorId"`
	SessionToken string    `json:"sessionToken"`
	ReturnPath   string    `json:"returnPath"`
	CreatedAt    time.Time `json:"createdAt"`
}
