package commands

import (
	"context"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/gate"
	"github.com/buildtall-systems/rentdesk/internal/incident"
	"github.com/buildtall-systems/rentdesk/internal/refund"
)

// Bookings loads bookings from the backend.
type Bookings interface {
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
}

// Env holds what command execution needs.
type Env struct {
	Bookings  Bookings
	Gate      *gate.Orchestrator
	Refunds   *refund.Coordinator
	Incidents incident.Store
	Admins    []string
}

// Result holds the response from a command execution.
type Result struct {
	Message string
	Error   error
}

// Execute runs the command on behalf of operator and returns a result.
func Execute(ctx context.Context, env Env, cmd *Command, operator string) Result {
	isAdmin := IsAdmin(operator, env.Admins)

	switch cmd.Name {
	// Operator commands
	case CmdStatus:
		return StatusCmd(ctx, env, cmd.Args)

	case CmdAdvance:
		return AdvanceCmd(ctx, env, cmd.Args)

	case CmdCheckout:
		return CheckoutCmd(ctx, env, cmd.Args, operator)

	case CmdPay:
		return PayCmd(ctx, env, cmd.Args)

	case CmdResume:
		return ResumeCmd(ctx, env, cmd.Args)

	case CmdDamage:
		return DamageCmd(ctx, env, cmd.Args)

	case CmdAbandon:
		return AbandonCmd(ctx, env, cmd.Args)

	case CmdIncidents:
		return IncidentsCmd(ctx, env)

	case CmdHelp:
		return HelpCmd(isAdmin)

	// Admin commands
	case CmdRefund:
		return RefundCmd(ctx, env, cmd.Args)

	case CmdAck:
		return AckCmd(ctx, env, cmd.Args, operator)

	default:
		return HelpCmd(isAdmin)
	}
}
