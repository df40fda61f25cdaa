package cli

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/backend"
	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/commands"
	"github.com/buildtall-systems/rentdesk/internal/config"
	"github.com/buildtall-systems/rentdesk/internal/db"
	"github.com/buildtall-systems/rentdesk/internal/gate"
	"github.com/buildtall-systems/rentdesk/internal/incident"
	"github.com/buildtall-systems/rentdesk/internal/notify"
	"github.com/buildtall-systems/rentdesk/internal/payment"
	"github.com/buildtall-systems/rentdesk/internal/poller"
	"github.com/buildtall-systems/rentdesk/internal/refund"
	"github.com/buildtall-systems/rentdesk/internal/resume"
	"github.com/buildtall-systems/rentdesk/internal/stripepay"
)

// app is everything a command needs, built once from configuration.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *db.DB
	redis     *redis.Client
	backend   *backend.Client
	payments  payment.Provider
	store     resume.Store
	incidents incident.Store
	bus       *notify.Bus
	gate      *gate.Orchestrator
	refunds   *refund.Coordinator
}

// loadApp reads configuration and builds the app.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newApp(ctx, cfg, newLogger(cfg))
}

// loadStoreApp reads configuration and opens only the local stores, for commands that
// never reach the backend.
func loadStoreApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newStoreApp(ctx, cfg, newLogger(cfg))
}

// newStoreApp opens the database, the incident store and the resumption store.
func newStoreApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// The sqlite database holds incidents and the transition journal for every store
	// backend, and the intents themselves for the sqlite store.
	a.db, err = db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := a.db.Migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	a.incidents = incident.NewSQLStore(a.db)

	switch cfg.Store.Backend {
	case config.StoreSQLite:
		a.store = resume.NewSQLStore(a.db, cfg.Store.IntentTTL, cfg.Store.IdentityTTL)
	case config.StoreRedis:
		a.redis, err = resume.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.store = resume.NewRedisStore(a.redis, cfg.Store.IntentTTL, cfg.Store.IdentityTTL)
	case config.StoreMemory:
		logger.Warn("memory store selected, pending checkouts do not survive a restart")
		a.store = resume.NewMemoryStore(cfg.Store.IdentityTTL)
	}
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *app, err error) {
	if err := cfg.RequireBackend(); err != nil {
		return nil, err
	}

	a, err := newStoreApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.backend, err = backend.NewClient(backend.Config{
		BaseURL:  cfg.Backend.BaseURL,
		APIToken: cfg.Backend.APIToken,
		Timeout:  cfg.Backend.Timeout,
		Logger:   logger.WithField("component", "backend"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}

	var settleRetries uint64
	switch cfg.Payments.Provider {
	case config.ProviderStripe:
		a.payments, err = stripepay.New(stripepay.Config{
			SecretKey: cfg.Stripe.SecretKey,
			Currency:  cfg.Stripe.Currency,
			Logger:    logger.WithField("component", "stripe"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating stripe provider: %w", err)
		}
		settleRetries = gate.DefaultSettlementRetries
	default:
		// The backend client already retries its reads.
		a.payments = a.backend
	}

	a.bus = notify.NewBus(logger)
	notifier := notify.Multi{notify.LogNotifier{Logger: logger.WithField("component", "events")}, a.bus}

	a.gate, err = gate.New(gate.Config{
		Backend:   a.backend,
		Payments:  a.payments,
		Store:     a.store,
		Incidents: a.incidents,
		Journal:   a.db,
		Notifier:  notifier,
		Policy: booking.CompanyPolicy{
			DepositMandatory:     cfg.Policy.DepositMandatory,
			DefaultDepositAmount: booking.Amount(cfg.Policy.DefaultDeposit),
			Currency:             cfg.Stripe.Currency,
		},
		PublicURL:         cfg.Server.PublicURL,
		SettlementRetries: settleRetries,
		Logger:            logger.WithField("component", "gate"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	a.refunds, err = refund.New(refund.Config{
		Backend:   a.backend,
		Payments:  a.payments,
		Incidents: a.incidents,
		Journal:   a.db,
		Notifier:  notifier,
		Engine:    a.gate.Engine(),
		Logger:    logger.WithField("component", "refund"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating refund coordinator: %w", err)
	}

	return a, nil
}

// pollOptions maps the poller settings onto poller options.
func (a *app) pollOptions() poller.Options {
	opts := poller.DefaultOptions()
	opts.Interval = a.cfg.Poller.Interval
	opts.MaxConsecutiveErrors = a.cfg.Poller.MaxErrors
	opts.MaxConsecutiveEmptyResponses = a.cfg.Poller.MaxEmpty
	opts.MaxDuration = a.cfg.Poller.MaxDuration
	opts.Logger = a.logger.WithField("component", "poller")
	return opts
}

// commandEnv exposes the app to console commands.
func (a *app) commandEnv() commands.Env {
	return commands.Env{
		Bookings:  a.backend,
		Gate:      a.gate,
		Refunds:   a.refunds,
		Incidents: a.incidents,
		Admins:    a.cfg.Operators.Admins,
	}
}

// Close releases the app's resources. It is safe on a partly built app.
func (a *app) Close() {
	if a.gate != nil {
		a.gate.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
