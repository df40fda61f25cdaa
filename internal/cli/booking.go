package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/commands"
	"github.com/buildtall-systems/rentdesk/internal/gate"
	"github.com/buildtall-systems/rentdesk/internal/poller"
)

var transitionCmd = &cobra.Command{
	Use:   "transition <booking> <status>",
	Short: "Request a booking status change",
	Long: `Request a status change. When a payment gate is in the way, either record a card
terminal payment with --terminal-ref or open a hosted checkout with --checkout.`,
	Args: cobra.ExactArgs(2),
	RunE: runTransition,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <booking>",
	Short: "Finish a transition waiting on a hosted checkout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperatorCommand(cmd, commands.CmdResume, args)
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund <booking> <amount> [reason...]",
	Short: "Refund against the total payment and cancel the booking (admin)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperatorCommand(cmd, commands.CmdRefund, args)
	},
}

var damageCmd = &cobra.Command{
	Use:   "damage <booking> none|<amount>",
	Short: "Complete a booking after the return inspection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperatorCommand(cmd, commands.CmdDamage, args)
	},
}

var pollJobCmd = &cobra.Command{
	Use:   "poll-job <job-id>",
	Short: "Follow a backend background job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runPollJob,
}

func init() {
	rootCmd.PersistentFlags().String("operator", "", "operator id (or RENTDESK_OPERATOR)")
	_ = viper.BindPFlag("operator", rootCmd.PersistentFlags().Lookup("operator"))

	transitionCmd.Flags().String("terminal-ref", "", "record a card terminal payment with this reference")
	transitionCmd.Flags().Bool("checkout", false, "open a hosted checkout for the gate")
	transitionCmd.Flags().Bool("wait", false, "with --checkout, wait for the payment to settle")

	rootCmd.AddCommand(transitionCmd, resumeCmd, refundCmd, damageCmd, pollJobCmd)
}

func operatorID() string {
	return viper.GetString("operator")
}

// runOperatorCommand runs a console command once, with the same permission rules.
func runOperatorCommand(cmd *cobra.Command, name string, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	c := &commands.Command{Name: name, Args: args}
	operator := operatorID()
	if err := commands.CanExecute(c, operator, a.cfg.Operators.Admins); err != nil {
		return err
	}
	res := commands.Execute(cmd.Context(), a.commandEnv(), c, operator)
	if res.Error != nil {
		return res.Error
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	return nil
}

func runTransition(cmd *cobra.Command, args []string) error {
	target, err := booking.ParseStatus(strings.ToLower(args[1]))
	if err != nil {
		return err
	}
	terminalRef, _ := cmd.Flags().GetString("terminal-ref")
	checkout, _ := cmd.Flags().GetBool("checkout")
	wait, _ := cmd.Flags().GetBool("wait")
	if terminalRef != "" && checkout {
		return fmt.Errorf("--terminal-ref and --checkout are mutually exclusive")
	}

	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext(cmd.Context(), a)
	defer cancel()
	out := cmd.OutOrStdout()

	b, err := a.backend.GetBooking(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading booking: %w", err)
	}

	tr, err := a.gate.RequestTransition(ctx, b, target)
	if err != nil {
		return err
	}
	if tr.Committed {
		fmt.Fprintf(out, "Booking %s is now %s.\n", b.ID, tr.Booking.Status)
		return nil
	}

	g := tr.Gate
	switch {
	case terminalRef != "":
		updated, err := a.gate.RecordTerminalPayment(ctx, b, g.Kind, terminalRef)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Recorded %s. Booking %s is now %s.\n", g.Kind, b.ID, updated.Status)
		return nil

	case checkout:
		co, err := a.gate.StartCheckout(ctx, b, g.Kind)
		if err != nil {
			return err
		}
		if err := a.gate.SuspendIdentity(ctx, &booking.IdentitySnapshot{
			OperatorID: operatorID(),
			ReturnPath: "/bookings/" + b.ID,
		}); err != nil {
			a.logger.WithError(err).Warn("could not save operator identity")
		}
		fmt.Fprintf(out, "Checkout for %s of %s: %s\n", co.Kind, co.Amount, co.RedirectURL)
		if !wait {
			return nil
		}
		return waitForSettlement(ctx, out, a, b.ID)
	}

	p, err := a.gate.OpenGate(ctx, g.Kind, b)
	if err != nil {
		return err
	}
	methods := make([]string, 0, len(p.Methods))
	for _, m := range p.Methods {
		methods = append(methods, string(m))
	}
	fmt.Fprintf(out, "Booking %s needs %s (%s) before %s. Options: %s\n",
		b.ID, p.Kind, p.Amount, p.Target, strings.Join(methods, ", "))
	return nil
}

// waitForSettlement watches the checkout and reports how it ended.
func waitForSettlement(ctx context.Context, out io.Writer, a *app, bookingID string) error {
	opts := a.pollOptions()
	opts.OnProgress = func(s poller.State) {
		a.logger.WithField("attempt", s.Attempts).Debug("payment not settled yet")
	}
	h, err := a.gate.WatchSettlement(ctx, bookingID, opts)
	if err != nil {
		return err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return err
	}

	if res.Outcome != poller.OutcomeCompleted {
		fmt.Fprintf(out, "Stopped watching: %s.\n", res.Outcome)
		return nil
	}

	// The watch resumes the booking on its own; whichever resume runs second sees no intent.
	final, err := a.gate.ResumeIfPending(ctx, bookingID)
	if err != nil {
		return err
	}
	switch final.Outcome {
	case gate.ResumeCommitted:
		fmt.Fprintf(out, "Payment settled. Booking %s is now %s.\n", bookingID, final.Booking.Status)
	case gate.ResumeNoIntent:
		b, err := a.backend.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Payment settled. Booking %s is now %s.\n", bookingID, b.Status)
	default:
		fmt.Fprintf(out, "Payment settled; resume ended %s.\n", final.Outcome)
	}
	return nil
}

func runPollJob(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext(cmd.Context(), a)
	defer cancel()
	out := cmd.OutOrStdout()

	opts := a.pollOptions()
	opts.JobID = args[0]
	opts.OnProgress = func(s poller.State) {
		fmt.Fprintf(out, "%s: %d%% (%s)\n", s.JobID, s.Progress, s.Status)
	}

	h := poller.Start(ctx, a.backend.JobProbe(args[0]), opts)
	res, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if res.Outcome != poller.OutcomeCompleted {
		if res.LastErr != nil {
			return fmt.Errorf("job %s %s: %w", args[0], res.Outcome, res.LastErr)
		}
		return fmt.Errorf("job %s %s", args[0], res.Outcome)
	}
	fmt.Fprintf(out, "job %s completed\n", args[0])
	return nil
}
