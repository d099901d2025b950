// Package config loads Chartable's process configuration from an optional
// YAML file and CHARTABLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/observability"
	"github.com/xraph/chartable/types"
)

// EnvPrefix prefixes every environment variable, e.g.
// CHARTABLE_STRIPE_WEBHOOK_SECRET for stripe.webhook_secret.
const EnvPrefix = "CHARTABLE"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the service configuration.
type Config struct {
	Server ServerConfig `json:"server" mapstructure:"server" yaml:"server"`
	Log    LogConfig    `json:"log" mapstructure:"log" yaml:"log"`
	Store  StoreConfig  `json:"store" mapstructure:"store" yaml:"store"`
	Stripe StripeConfig `json:"stripe" mapstructure:"stripe" yaml:"stripe"`
	Auth   AuthConfig   `json:"auth" mapstructure:"auth" yaml:"auth"`

	Tracing observability.TracingConfig `json:"tracing" mapstructure:"tracing" yaml:"tracing"`

	// Tiers maps a tier name, Stripe price id or price lookup key to the
	// credits one unit grants. A list keeps keys case-sensitive.
	Tiers []TierConfig `json:"tiers" mapstructure:"tiers" yaml:"tiers"`

	// TierSpec is "key=credits,key2=credits" and is merged over Tiers.
	// Set it through CHARTABLE_TIER_SPEC.
	TierSpec string `json:"tier_spec" mapstructure:"tier_spec" yaml:"tier_spec"`

	// SeedUsers are created at startup when missing. Intended for the
	// memory driver in local development.
	SeedUsers []SeedUser `json:"seed_users" mapstructure:"seed_users" yaml:"seed_users"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `json:"addr" mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxWebhookBytes   int64         `json:"max_webhook_bytes" mapstructure:"max_webhook_bytes" yaml:"max_webhook_bytes"`
	MaxRequestBytes   int64         `json:"max_request_bytes" mapstructure:"max_request_bytes" yaml:"max_request_bytes"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level"`    // debug, info, warn, error
	Format string `json:"format" mapstructure:"format" yaml:"format"` // json or text
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	Driver   string `json:"driver" mapstructure:"driver" yaml:"driver"`
	DSN      string `json:"-" mapstructure:"dsn" yaml:"dsn"`
	Database string `json:"database" mapstructure:"database" yaml:"database"` // mongo only
}

// StripeConfig holds the payment provider credentials.
type StripeConfig struct {
	SecretKey     string        `json:"-" mapstructure:"secret_key" yaml:"secret_key"`
	WebhookSecret string        `json:"-" mapstructure:"webhook_secret" yaml:"webhook_secret"`
	Tolerance     time.Duration `json:"tolerance" mapstructure:"tolerance" yaml:"tolerance"`

	// LineItemLookup fetches session line items when a checkout carries
	// no tier metadata.
	LineItemLookup bool `json:"line_item_lookup" mapstructure:"line_item_lookup" yaml:"line_item_lookup"`
}

// AuthConfig configures session token verification. Exactly one of
// PublicKeyPEM and HMACSecret should be set.
type AuthConfig struct {
	PublicKeyPEM string        `json:"-" mapstructure:"public_key_pem" yaml:"public_key_pem"`
	HMACSecret   string        `json:"-" mapstructure:"hmac_secret" yaml:"hmac_secret"`
	Issuer       string        `json:"issuer" mapstructure:"issuer" yaml:"issuer"`
	Audience     string        `json:"audience" mapstructure:"audience" yaml:"audience"`
	Leeway       time.Duration `json:"leeway" mapstructure:"leeway" yaml:"leeway"`
}

// TierConfig is one tier table row.
type TierConfig struct {
	Key     string `json:"key" mapstructure:"key" yaml:"key"`
	Credits int64  `json:"credits" mapstructure:"credits" yaml:"credits"`
}

// SeedUser is a user provisioned at startup.
type SeedUser struct {
	Subject string `json:"subject" mapstructure:"subject" yaml:"subject"`
	Email   string `json:"email" mapstructure:"email" yaml:"email"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MaxWebhookBytes:   1 << 20,
			MaxRequestBytes:   8 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			Database: "chartable",
		},
		Stripe: StripeConfig{
			Tolerance:      5 * time.Minute,
			LineItemLookup: true,
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
		Tracing: observability.TracingConfig{
			SampleRate:  1.0,
			ServiceName: "chartable",
		},
	}
}

// Load reads path (or ./chartable.yaml when path is empty and the file
// exists) and applies environment overrides. The result is not validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chartable")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.max_webhook_bytes", d.Server.MaxWebhookBytes)
	v.SetDefault("server.max_request_bytes", d.Server.MaxRequestBytes)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.database", d.Store.Database)

	v.SetDefault("stripe.secret_key", d.Stripe.SecretKey)
	v.SetDefault("stripe.webhook_secret", d.Stripe.WebhookSecret)
	v.SetDefault("stripe.tolerance", d.Stripe.Tolerance)
	v.SetDefault("stripe.line_item_lookup", d.Stripe.LineItemLookup)

	v.SetDefault("auth.public_key_pem", d.Auth.PublicKeyPEM)
	v.SetDefault("auth.hmac_secret", d.Auth.HMACSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.audience", d.Auth.Audience)
	v.SetDefault("auth.leeway", d.Auth.Leeway)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", d.Tracing.ServiceVersion)

	v.SetDefault("tier_spec", d.TierSpec)
}

// TierTable builds the credit tier table from Tiers and TierSpec.
func (c Config) TierTable() (credit.TierTable, error) {
	table := make(credit.TierTable, len(c.Tiers))
	for _, t := range c.Tiers {
		table[strings.TrimSpace(t.Key)] = types.Credits(t.Credits)
	}
	if strings.TrimSpace(c.TierSpec) != "" {
		spec, err := credit.ParseTierSpec(c.TierSpec)
		if err != nil {
			return nil, err
		}
		for k, v := range spec {
			table[k] = v
		}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate reports every problem that must stop startup.
func (c Config) Validate() error {
	var errs []error
	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, chartable.ValidationError{Field: field, Message: "required"})
		}
	}

	require("stripe.secret_key", c.Stripe.SecretKey)
	require("stripe.webhook_secret", c.Stripe.WebhookSecret)

	switch c.Store.Driver {
	case DriverMemory:
	case DriverMongo:
		require("store.dsn", c.Store.DSN)
		require("store.database", c.Store.Database)
	case DriverPostgres, DriverSQLite:
		require("store.dsn", c.Store.DSN)
	default:
		errs = append(errs, chartable.ValidationError{
			Field:   "store.driver",
			Message: fmt.Sprintf("unknown driver %q", c.Store.Driver),
		})
	}

	if c.Auth.PublicKeyPEM == "" && c.Auth.HMACSecret == "" {
		errs = append(errs, chartable.ValidationError{Field: "auth", Message: "public_key_pem or hmac_secret is required"})
	}

	if _, err := c.TierTable(); err != nil {
		errs = append(errs, chartable.ValidationError{Field: "tiers", Message: err.Error()})
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, chartable.ValidationError{Field: "log.level", Message: err.Error()})
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.Log.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}
