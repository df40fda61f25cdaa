package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/incident"
)

// RefundCmd refunds part or all of the booking total and cancels the booking.
// Usage: refund <booking> <amount> [reason...]
func RefundCmd(ctx context.Context, env Env, args []string) Result {
	if len(args) < 2 {
		return Result{Error: errors.New("usage: refund <booking> <amount> [reason]")}
	}
	amount, err := booking.ParseAmount(args[1])
	if err != nil {
		return Result{Error: err}
	}
	reason := strings.Join(args[2:], " ")

	b, res, ok := loadBooking(ctx, env, args, "refund <booking> <amount> [reason]")
	if !ok {
		return res
	}

	rec, err := env.Refunds.Refund(ctx, b, amount, reason)
	if err != nil {
		if booking.IsInconsistent(err) {
			return Result{Error: fmt.Errorf("%w\nthe booking is halted; fix it in the backend, then run: ack %s", err, b.ID)}
		}
		return Result{Error: err}
	}

	return Result{Message: fmt.Sprintf("Refunded %s (ref %s). Booking %s is now %s.",
		rec.Amount, rec.ProviderRef, b.ID, b.Status)}
}

// AckCmd acknowledges the booking's open incidents so automation may resume.
func AckCmd(ctx context.Context, env Env, args []string, operator string) Result {
	if len(args) < 1 {
		return Result{Error: errors.New("usage: ack <booking>")}
	}
	if env.Incidents == nil {
		return Result{Error: errors.New("incident tracking is not configured")}
	}

	n, err := env.Incidents.Acknowledge(ctx, args[0], operator)
	if errors.Is(err, incident.ErrNotFound) {
		return Result{Message: fmt.Sprintf("No open incidents for %s.", args[0])}
	}
	if err != nil {
		return Result{Error: fmt.Errorf("acknowledging: %w", err)}
	}
	return Result{Message: fmt.Sprintf("Acknowledged %d incident(s) for %s.", n, args[0])}
}
