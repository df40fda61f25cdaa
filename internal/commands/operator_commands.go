package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/gate"
	"github.com/buildtall-systems/rentdesk/internal/incident"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

// loadBooking fetches the booking named by the first argument.
func loadBooking(ctx context.Context, env Env, args []string, usage string) (*booking.Booking, Result, bool) {
	if len(args) < 1 {
		return nil, Result{Error: errors.New("usage: " + usage)}, false
	}
	b, err := env.Bookings.GetBooking(ctx, args[0])
	if err != nil {
		return nil, Result{Error: fmt.Errorf("loading booking: %w", err)}, false
	}
	return b, Result{}, true
}

// StatusCmd shows a booking with its pending checkout and any open incident.
func StatusCmd(ctx context.Context, env Env, args []string) Result {
	b, res, ok := loadBooking(ctx, env, args, "status <booking>")
	if !ok {
		return res
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Booking %s: %s\n", b.ID, b.Status)
	fmt.Fprintf(&sb, "Total:   %s (%s, refunded %s)\n", b.TotalAmount, b.PaymentStatus, b.RefundedTotal())
	if b.DepositAuthRef != "" {
		fmt.Fprintf(&sb, "Deposit: %s authorized, %s captured\n", b.DepositAuthorizedAmount, b.DepositCapturedAmount)
	} else {
		fmt.Fprintf(&sb, "Deposit: none held (required %s)\n", booking.EffectiveDepositAmount(b, env.Gate.Policy()))
	}

	if next, ok := env.Gate.Engine().NextLegalStatus(b.Status); ok {
		kind := gate.RequiredGate(b, next, env.Gate.Policy())
		if kind == booking.GateNone {
			fmt.Fprintf(&sb, "Next:    %s\n", next)
		} else {
			fmt.Fprintf(&sb, "Next:    %s (needs %s)\n", next, kind)
		}
	}

	intent, err := env.Gate.Intent(ctx, b.ID)
	switch {
	case err == nil:
		fmt.Fprintf(&sb, "Pending: %s -> %s (%s)\n", intent.GateKind, intent.TargetStatus, intent.Amount)
	case !errors.Is(err, resume.ErrNotFound):
		return Result{Error: fmt.Errorf("reading intent: %w", err)}
	}

	if env.Incidents != nil {
		in, err := env.Incidents.Open(ctx, b.ID)
		switch {
		case err == nil:
			fmt.Fprintf(&sb, "HALTED:  %s of %s (ref %s) not committed; ack required\n", in.Operation, in.Amount, in.ProviderRef)
		case !errors.Is(err, incident.ErrNotFound):
			return Result{Error: fmt.Errorf("checking incidents: %w", err)}
		}
	}

	return Result{Message: strings.TrimRight(sb.String(), "\n")}
}

// AdvanceCmd requests a status change. A gate in the way is reported with the commands
// that satisfy it.
func AdvanceCmd(ctx context.Context, env Env, args []string) Result {
	if len(args) < 2 {
		return Result{Error: errors.New("usage: advance <booking> <status>")}
	}
	target, err := booking.ParseStatus(strings.ToLower(args[1]))
	if err != nil {
		return Result{Error: err}
	}
	b, res, ok := loadBooking(ctx, env, args, "advance <booking> <status>")
	if !ok {
		return res
	}

	tr, err := env.Gate.RequestTransition(ctx, b, target)
	if err != nil {
		return Result{Error: err}
	}
	if tr.Committed {
		return Result{Message: fmt.Sprintf("Booking %s is now %s.", b.ID, tr.Booking.Status)}
	}

	g := tr.Gate
	switch g.Kind {
	case booking.GateDamageReview:
		return Result{Message: fmt.Sprintf("Booking %s needs a damage review before %s (deposit limit %s).\nUse: damage %s none|<amount>",
			b.ID, g.Target, g.Amount, b.ID)}
	default:
		return Result{Message: fmt.Sprintf("Booking %s needs %s of %s before %s.\nUse: checkout %s, or pay %s <terminal-ref>",
			b.ID, g.Kind, g.Amount, g.Target, b.ID, b.ID)}
	}
}

// paymentGate resolves the payment gate in front of the booking's next status.
func paymentGate(env Env, b *booking.Booking) (booking.GateKind, error) {
	next, ok := env.Gate.Engine().NextLegalStatus(b.Status)
	if !ok {
		return "", &booking.TerminalStateError{Status: b.Status, Requested: b.Status}
	}
	kind := gate.RequiredGate(b, next, env.Gate.Policy())
	if !kind.IsPayment() {
		return "", fmt.Errorf("%w: nothing to pay before %s", gate.ErrNotPaymentGate, next)
	}
	return kind, nil
}

// CheckoutCmd opens a hosted checkout for the payment gate in front of the booking.
func CheckoutCmd(ctx context.Context, env Env, args []string, operator string) Result {
	b, res, ok := loadBooking(ctx, env, args, "checkout <booking>")
	if !ok {
		return res
	}
	kind, err := paymentGate(env, b)
	if err != nil {
		return Result{Error: err}
	}

	co, err := env.Gate.StartCheckout(ctx, b, kind)
	if err != nil {
		return Result{Error: err}
	}
	snap := &booking.IdentitySnapshot{OperatorID: operator, ReturnPath: "/bookings/" + b.ID}
	if err := env.Gate.SuspendIdentity(ctx, snap); err != nil {
		return Result{Error: fmt.Errorf("saving operator identity: %w", err)}
	}

	return Result{Message: fmt.Sprintf("Checkout for %s of %s: %s", kind, co.Amount, co.RedirectURL)}
}

// PayCmd records a payment taken at a card terminal.
func PayCmd(ctx context.Context, env Env, args []string) Result {
	if len(args) < 2 {
		return Result{Error: errors.New("usage: pay <booking> <terminal-ref>")}
	}
	b, res, ok := loadBooking(ctx, env, args, "pay <booking> <terminal-ref>")
	if !ok {
		return res
	}
	kind, err := paymentGate(env, b)
	if err != nil {
		return Result{Error: err}
	}

	updated, err := env.Gate.RecordTerminalPayment(ctx, b, kind, args[1])
	if err != nil {
		return Result{Error: err}
	}
	return Result{Message: fmt.Sprintf("Recorded %s. Booking %s is now %s.", kind, b.ID, updated.Status)}
}

// ResumeCmd finishes a transition waiting on a hosted checkout.
func ResumeCmd(ctx context.Context, env Env, args []string) Result {
	if len(args) < 1 {
		return Result{Error: errors.New("usage: resume <booking>")}
	}
	id := args[0]

	res, err := env.Gate.ResumeIfPending(ctx, id)
	if err != nil {
		return Result{Error: err}
	}

	switch res.Outcome {
	case gate.ResumeNoIntent:
		return Result{Message: fmt.Sprintf("Nothing pending for %s.", id)}
	case gate.ResumePending:
		return Result{Message: fmt.Sprintf("Payment for %s has not settled yet; try again later.", id)}
	case gate.ResumeAbandoned:
		return Result{Message: fmt.Sprintf("Payment for %s did not complete; checkout dropped.", id)}
	}
	if res.AlreadyApplied {
		return Result{Message: fmt.Sprintf("Booking %s was already %s.", id, res.Booking.Status)}
	}
	return Result{Message: fmt.Sprintf("Booking %s is now %s.", id, res.Booking.Status)}
}

// DamageCmd completes the booking after the return inspection.
func DamageCmd(ctx context.Context, env Env, args []string) Result {
	if len(args) < 2 {
		return Result{Error: errors.New("usage: damage <booking> none|<amount>")}
	}

	var report gate.DamageReport
	if !strings.EqualFold(args[1], "none") {
		amount, err := booking.ParseAmount(args[1])
		if err != nil {
			return Result{Error: err}
		}
		report = gate.DamageReport{Damaged: true, Amount: amount}
	}

	b, res, ok := loadBooking(ctx, env, args, "damage <booking> none|<amount>")
	if !ok {
		return res
	}

	dr, err := env.Gate.ReviewDamage(ctx, b, report)
	if err != nil {
		return Result{Error: err}
	}
	if dr.Captured {
		return Result{Message: fmt.Sprintf("Captured %s from the deposit (ref %s). Booking %s is now %s.",
			dr.Amount, dr.CaptureRef, b.ID, dr.Booking.Status)}
	}
	if dr.NoDepositHeld {
		return Result{Message: fmt.Sprintf("Damage of %s reported but no deposit was held; nothing charged. Booking %s is now %s.",
			dr.Amount, b.ID, dr.Booking.Status)}
	}
	return Result{Message: fmt.Sprintf("No damage charged. Booking %s is now %s.", b.ID, dr.Booking.Status)}
}

// AbandonCmd drops a pending checkout.
func AbandonCmd(ctx context.Context, env Env, args []string) Result {
	if len(args) < 1 {
		return Result{Error: errors.New("usage: abandon <booking>")}
	}
	if err := env.Gate.AbandonGate(ctx, args[0]); err != nil {
		return Result{Error: err}
	}
	return Result{Message: fmt.Sprintf("Dropped pending checkout for %s.", args[0])}
}

// IncidentsCmd lists open incidents.
func IncidentsCmd(ctx context.Context, env Env) Result {
	if env.Incidents == nil {
		return Result{Message: "No open incidents."}
	}
	open, err := env.Incidents.List(ctx, false)
	if err != nil {
		return Result{Error: fmt.Errorf("listing incidents: %w", err)}
	}
	if len(open) == 0 {
		return Result{Message: "No open incidents."}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d open incident(s):", len(open))
	for _, in := range open {
		fmt.Fprintf(&sb, "\n#%d %s: %s of %s (ref %s), %s not committed, recorded %s",
			in.ID, in.BookingID, in.Operation, in.Amount, in.ProviderRef, in.Target,
			in.RecordedAt.Format("2006-01-02 15:04"))
	}
	return Result{Message: sb.String()}
}

// HelpCmd returns available commands.
func HelpCmd(isAdmin bool) Result {
	msg := `Available commands:
  status <booking>              - Show booking, pending checkout and incidents
  advance <booking> <status>    - Request a status change
  checkout <booking>            - Open a hosted checkout for the next payment
  pay <booking> <terminal-ref>  - Record a card terminal payment
  resume <booking>              - Finish a transition after checkout
  damage <booking> none|<amt>   - Complete after the return inspection
  abandon <booking>             - Drop a pending checkout
  incidents                     - List open incidents
  help                          - Show this help`

	if isAdmin {
		msg += `

Admin commands:
  refund <booking> <amt> [reason] - Refund and cancel
  ack <booking>                   - Acknowledge an incident and lift the halt`
	}

	return Result{Message: msg}
}
