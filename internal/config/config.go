package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RENTDESK_BACKEND_BASE_URL.
const EnvPrefix = "RENTDESK"

var (
	// ErrUnknownStoreBackend is returned for a store.backend other than sqlite, redis or memory.
	ErrUnknownStoreBackend = errors.New("unknown store backend")
	// ErrUnknownProvider is returned for a payments.provider other than backend or stripe.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrMissingSetting is returned when a setting required by the selected backends is empty.
	ErrMissingSetting = errors.New("missing required setting")
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Payment providers.
const (
	ProviderBackend = "backend"
	ProviderStripe  = "stripe"
)

// Config holds all application configuration.
type Config struct {
	Verbose   bool
	Log       LogConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Redis     RedisConfig
	Backend   BackendConfig
	Payments  PaymentsConfig
	Stripe    StripeConfig
	Server    ServerConfig
	Policy    PolicyConfig
	Poller    PollerConfig
	Operators OperatorsConfig
}

type LogConfig struct {
	Format string // text or json
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string
}

// StoreConfig selects where transition intents and identity snapshots live.
type StoreConfig struct {
	Backend     string
	IntentTTL   time.Duration // zero keeps intents until cleared
	IdentityTTL time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BackendConfig points at the rental backend REST API.
type BackendConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

type PaymentsConfig struct {
	Provider string
}

type StripeConfig struct {
	SecretKey string
	Currency  string
}

// ServerConfig holds the return server settings. PublicURL is what the payment
// provider redirects the operator back to.
type ServerConfig struct {
	Addr           string
	PublicURL      string
	AllowedOrigins []string
}

// PolicyConfig is the rental company's deposit rule. Amounts are in cents.
type PolicyConfig struct {
	DepositMandatory bool
	DefaultDeposit   int64
}

type PollerConfig struct {
	Interval    time.Duration
	MaxErrors   int
	MaxEmpty    int
	MaxDuration time.Duration
}

type OperatorsConfig struct {
	Admins []string // operator ids allowed to refund and acknowledge incidents
}

// Init prepares the global Viper instance: .env is loaded into the environment first,
// then RENTDESK_* variables and the optional config file are wired in.
func Init(cfgFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rentdesk")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/rentdesk")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// Load reads configuration from the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and applies defaults.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Verbose: v.GetBool("verbose"),
		Log: LogConfig{
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(v.GetString("store.backend")),
			IntentTTL:   v.GetDuration("store.intent_ttl"),
			IdentityTTL: v.GetDuration("store.identity_ttl"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Backend: BackendConfig{
			BaseURL:  v.GetString("backend.base_url"),
			APIToken: v.GetString("backend.api_token"),
			Timeout:  v.GetDuration("backend.timeout"),
		},
		Payments: PaymentsConfig{
			Provider: strings.ToLower(v.GetString("payments.provider")),
		},
		Stripe: StripeConfig{
			SecretKey: v.GetString("stripe.secret_key"),
			Currency:  v.GetString("stripe.currency"),
		},
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			PublicURL:      v.GetString("server.public_url"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Policy: PolicyConfig{
			DepositMandatory: v.GetBool("policy.deposit_mandatory"),
			DefaultDeposit:   v.GetInt64("policy.default_deposit"),
		},
		Poller: PollerConfig{
			Interval:    v.GetDuration("poller.interval"),
			MaxErrors:   v.GetInt("poller.max_errors"),
			MaxEmpty:    v.GetInt("poller.max_empty"),
			MaxDuration: v.GetDuration("poller.max_duration"),
		},
		Operators: OperatorsConfig{
			Admins: v.GetStringSlice("operators.admins"),
		},
	}

	// Apply defaults
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "rentdesk.db"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreSQLite
	}
	if cfg.Store.IdentityTTL == 0 {
		cfg.Store.IdentityTTL = 10 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 15 * time.Second
	}
	if cfg.Payments.Provider == "" {
		cfg.Payments.Provider = ProviderBackend
	}
	if cfg.Stripe.Currency == "" {
		cfg.Stripe.Currency = "eur"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8085"
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://localhost:8085"
	}
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = 2 * time.Second
	}
	if cfg.Poller.MaxErrors == 0 {
		cfg.Poller.MaxErrors = 5
	}
	if cfg.Poller.MaxEmpty == 0 {
		cfg.Poller.MaxEmpty = 10
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case StoreSQLite, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStoreBackend, c.Store.Backend)
	}
	switch c.Payments.Provider {
	case ProviderBackend:
	case ProviderStripe:
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("%w: stripe.secret_key", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Payments.Provider)
	}
	if c.Policy.DefaultDeposit < 0 {
		return fmt.Errorf("policy.default_deposit must not be negative")
	}
	return nil
}

// RequireBackend reports an error when no backend base URL is configured.
func (c *Config) RequireBackend() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("%w: backend.base_url", ErrMissingSetting)
	}
	return nil
}

// IsAdmin reports whether the operator id is listed in operators.admins.
func (c *Config) IsAdmin(operator string) bool {
	for _, admin := range c.Operators.Admins {
		if admin == operator {
			return true
		}
	}
	return false
}
