package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildtall-systems/rentdesk/internal/commands"
)

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Inspect pending transition intents",
}

var intentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending checkouts",
	Args:  cobra.NoArgs,
	RunE:  runIntentsList,
}

var intentsClearCmd = &cobra.Command{
	Use:   "clear <booking>",
	Short: "Drop the pending checkout of a booking without committing",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntentsClear,
}

var intentsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired records from the sqlite store",
	Args:  cobra.NoArgs,
	RunE:  runIntentsPurge,
}

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Inspect and acknowledge inconsistent bookings",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents",
	Args:  cobra.NoArgs,
	RunE:  runIncidentsList,
}

var incidentsAckCmd = &cobra.Command{
	Use:   "ack <booking>",
	Short: "Acknowledge a booking's incidents and lift the halt (admin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentsAck,
}

var historyCmd = &cobra.Command{
	Use:   "history <booking>",
	Short: "Show the committed transitions of a booking",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	incidentsListCmd.Flags().Bool("all", false, "include acknowledged incidents")

	intentsCmd.AddCommand(intentsListCmd, intentsClearCmd, intentsPurgeCmd)
	incidentsCmd.AddCommand(incidentsListCmd, incidentsAckCmd)
	rootCmd.AddCommand(intentsCmd, incidentsCmd, historyCmd)
}

func runIntentsList(cmd *cobra.Command, args []string) error {
	a, err := loadStoreApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	intents, err := a.store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing intents: %w", err)
	}
	if len(intents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending checkouts.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BOOKING\tGATE\tTARGET\tAMOUNT\tSESSION\tCREATED")
	for _, in := range intents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			in.BookingID, in.GateKind, in.TargetStatus, in.Amount, in.CheckoutSessionID,
			in.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// runIntentsClear only touches the store; it never reaches the backend or the provider.
func runIntentsClear(cmd *cobra.Command, args []string) error {
	a, err := loadStoreApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Clear(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("clearing intent: %w", err)
	}
	a.logger.WithField("booking_id", args[0]).Info("intent cleared by operator")
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared pending checkout for %s.\n", args[0])
	return nil
}

func runIntentsPurge(cmd *cobra.Command, args []string) error {
	a, err := loadStoreApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.db.PurgeExpired(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired record(s).\n", n)
	return nil
}

func runIncidentsList(cmd *cobra.Command, args []string) error {
	a, err := loadStoreApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	all, _ := cmd.Flags().GetBool("all")
	list, err := a.incidents.List(cmd.Context(), all)
	if err != nil {
		return fmt.Errorf("listing incidents: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No incidents.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBOOKING\tOPERATION\tAMOUNT\tREF\tTARGET\tRECORDED\tACKED BY")
	for _, in := range list {
		acked := "-"
		if !in.Open() {
			acked = in.AcknowledgedBy
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			in.ID, in.BookingID, in.Operation, in.Amount, in.ProviderRef, in.Target,
			in.RecordedAt.Local().Format(time.DateTime), acked)
	}
	return w.Flush()
}

func runIncidentsAck(cmd *cobra.Command, args []string) error {
	a, err := loadStoreApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	c := &commands.Command{Name: commands.CmdAck, Args: args}
	operator := operatorID()
	if err := commands.CanExecute(c, operator, a.cfg.Operators.Admins); err != nil {
		return err
	}
	res := commands.AckCmd(cmd.Context(), commands.Env{Incidents: a.incidents}, args, operator)
	if res.Error != nil {
		return res.Error
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadStoreApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.db.ListTransitions(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No transitions recorded for %s.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tFROM\tTO\tGATE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			time.UnixMilli(e.CommittedAt).Local().Format(time.DateTime), e.FromStatus, e.ToStatus, e.GateKind)
	}
	return w.Flush()
}
