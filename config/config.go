/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults (NewViper)
  2. Config file given by --config (yaml, json or toml)
  3. .env file in the working directory, if present
  4. Environment variables, prefix LEDGER_, dots become underscores
     (LEDGER_DATABASE_URL → database.url)
  5. Command-line flags

EXAMPLE:
  LEDGER_DATABASE_DRIVER=postgres \
  LEDGER_DATABASE_URL=postgres://ledger@localhost/ledger \
  ./server --http.port 8080 --log.level debug
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/warp/wallet-ledger/ingest"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/wallet"
)

const EnvPrefix = "LEDGER"

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	GestaoClick GestaoClickConfig `mapstructure:"gestaoclick"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Transfer    TransferConfig    `mapstructure:"transfer"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Balance     BalanceConfig     `mapstructure:"balance"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	CORS        CORSConfig        `mapstructure:"cors"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	Path   string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	URL    string `mapstructure:"url" validate:"required_if=Driver postgres"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type GestaoClickConfig struct {
	BaseURL     string `mapstructure:"base_url" validate:"omitempty,url"`
	AccessToken string `mapstructure:"access_token"`
	SecretToken string `mapstructure:"secret_token"`
}

// Enabled reports whether API credentials are present.
func (g GestaoClickConfig) Enabled() bool { return g.AccessToken != "" && g.SecretToken != "" }

type IngestConfig struct {
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	LookbackDays    int           `mapstructure:"lookback_days" validate:"min=1"`
	DefaultWalletID string        `mapstructure:"default_wallet_id"`
	RetryBase       time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	RetryMax        time.Duration `mapstructure:"retry_max" validate:"gtefield=RetryBase"`
	SyncInterval    time.Duration `mapstructure:"sync_interval" validate:"gte=0"` // 0 disables the in-process scheduler
	SyncBatch       int           `mapstructure:"sync_batch" validate:"min=1"`
}

type TransferConfig struct {
	Window     time.Duration `mapstructure:"window" validate:"gt=0"`
	NameWindow time.Duration `mapstructure:"name_window" validate:"gtefield=Window"`
}

type DiagnosticsConfig struct {
	OutlierFactor             float64 `mapstructure:"outlier_factor" validate:"gte=0"`
	OutlierAbsolute           float64 `mapstructure:"outlier_absolute" validate:"gte=0"`
	MinSamples                int     `mapstructure:"min_samples" validate:"min=1"`
	IgnoreDistinctExternalIDs bool    `mapstructure:"ignore_distinct_external_ids"`
}

type BalanceConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1,max=10"`
}

type NotifyConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// NewViper returns a viper instance with every default set and the
// environment bound.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("http.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "ledger.db")
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("gestaoclick.base_url", "https://api.gestaoclick.com")
	v.SetDefault("gestaoclick.access_token", "")
	v.SetDefault("gestaoclick.secret_token", "")
	v.SetDefault("ingest.fetch_timeout", 12*time.Second)
	v.SetDefault("ingest.lookback_days", 90)
	v.SetDefault("ingest.default_wallet_id", "")
	v.SetDefault("ingest.retry_base", 15*time.Minute)
	v.SetDefault("ingest.retry_max", 24*time.Hour)
	v.SetDefault("ingest.sync_interval", time.Duration(0))
	v.SetDefault("ingest.sync_batch", 50)
	v.SetDefault("transfer.window", 48*time.Hour)
	v.SetDefault("transfer.name_window", 30*24*time.Hour)
	v.SetDefault("diagnostics.outlier_factor", 10.0)
	v.SetDefault("diagnostics.outlier_absolute", 0.0)
	v.SetDefault("diagnostics.min_samples", 5)
	v.SetDefault("diagnostics.ignore_distinct_external_ids", true)
	v.SetDefault("balance.max_attempts", 3)
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "ledger.notifications")
	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Flags declares the command-line flags that override the most common keys.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.Int("http.port", 8080, "HTTP listen port")
	fs.String("database.driver", "sqlite", "storage backend: sqlite or postgres")
	fs.String("database.path", "ledger.db", "SQLite database file")
	fs.String("database.url", "", "PostgreSQL connection URL")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")
	fs.String("ingest.default_wallet_id", "", "wallet for ERP records of users without an integration wallet")
	fs.Duration("ingest.sync_interval", 0, "retry pending syncs in-process at this interval (0 disables)")
	return fs
}

// Load reads the configuration from args (without the program name), the
// environment and optional files, then validates it.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := NewViper()
	fs := Flags("server")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// Only flags given explicitly override env and file values.
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed && f.Name != "config" {
			_ = v.BindPFlag(f.Name, f)
		}
	})

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates a prepared viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Notify.Kafka.Brokers = splitList(cfg.Notify.Kafka.Brokers)
	cfg.CORS.AllowedOrigins = splitList(cfg.CORS.AllowedOrigins)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// splitList accepts both list values and a single comma-separated string,
// which is how list values arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// =============================================================================
// COMPONENT CONFIGS
// =============================================================================

func (c *Config) WalletConfig() wallet.Config {
	resolver := ledger.NewTransferResolver()
	resolver.Window = c.Transfer.Window
	resolver.NameWindow = c.Transfer.NameWindow

	diag := ledger.DefaultDiagnosticsConfig()
	diag.OutlierFactor = decimal.NewFromFloat(c.Diagnostics.OutlierFactor)
	diag.OutlierAbsolute = decimal.NewFromFloat(c.Diagnostics.OutlierAbsolute)
	diag.MinSamples = c.Diagnostics.MinSamples
	diag.IgnoreDistinctExternalIDs = c.Diagnostics.IgnoreDistinctExternalIDs

	return wallet.Config{
		MaxAttempts: c.Balance.MaxAttempts,
		Resolver:    resolver,
		Diagnostics: diag,
	}
}

func (c *Config) IngestConfig() ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.FetchTimeout = c.Ingest.FetchTimeout
	cfg.LookbackWindow = time.Duration(c.Ingest.LookbackDays) * 24 * time.Hour
	cfg.RetryBase = c.Ingest.RetryBase
	cfg.RetryMax = c.Ingest.RetryMax
	return cfg
}
