package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildtall-systems/rentdesk/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the checkout return server",
	Long: `Run the HTTP server the payment provider redirects back to. Pending checkouts found
at startup are watched until their payment settles or fails.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8085)")
	serveCmd.Flags().Bool("watch", true, "poll pending checkouts for settlement")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, a *app) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			a.logger.WithField("signal", sig.String()).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context(), a)
	defer cancel()

	watch, _ := cmd.Flags().GetBool("watch")
	if watch {
		n, err := watchPending(ctx, a)
		if err != nil {
			return err
		}
		a.logger.WithField("count", n).Info("watching pending checkouts")
	}

	a.logger.WithFields(logrus.Fields{
		"store":      a.cfg.Store.Backend,
		"payments":   a.cfg.Payments.Provider,
		"public_url": a.cfg.Server.PublicURL,
	}).Info("rentdesk starting")

	srv := server.New(a.gate, a.logger.WithField("component", "server"), a.cfg.Server.AllowedOrigins...)
	if err := srv.Run(ctx, a.cfg.Server.Addr); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// watchPending starts a settlement watch for every stored intent that has a checkout
// session.
func watchPending(ctx context.Context, a *app) (int, error) {
	intents, err := a.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing intents: %w", err)
	}
	n := 0
	for _, intent := range intents {
		if intent.CheckoutSessionID == "" {
			continue
		}
		if _, err := a.gate.WatchSettlement(ctx, intent.BookingID, a.pollOptions()); err != nil {
			a.logger.WithError(err).WithField("booking_id", intent.BookingID).Warn("could not watch checkout")
			continue
		}
		n++
	}
	return n, nil
}
