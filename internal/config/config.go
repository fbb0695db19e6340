package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type DBConfig struct {
	DatabaseURL        string `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns     int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int    `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int    `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int    `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

type RotationConfig struct {
	WalletKind string          `env:"ROTATION_WALLET_KIND" envDefault:"mercadopago"`
	Threshold  decimal.Decimal `env:"ROTATION_THRESHOLD" envDefault:"300000"`
}

type CLIConfig struct {
	DB       DBConfig
	Rotation RotationConfig
	LogLevel string `env:"LOG_LEVEL" envDefault:"warn"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
}

type Config struct {
	DB       DBConfig
	Rotation RotationConfig

	WebhookSecret       string        `env:"WEBHOOK_SECRET,required,notEmpty"`
	WebhookPollInterval time.Duration `env:"WEBHOOK_POLL_INTERVAL" envDefault:"2s"`
	WebhookBatchSize    int           `env:"WEBHOOK_BATCH_SIZE" envDefault:"10"`

	ProviderBaseURL    string        `env:"PROVIDER_BASE_URL" envDefault:"http://mock-provider:8081"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5s"`
	ProviderQueryLimit int           `env:"PROVIDER_QUERY_LIMIT" envDefault:"50"`
	ProviderLookback   time.Duration `env:"PROVIDER_LOOKBACK" envDefault:"24h"`

	MatchWindow time.Duration `env:"MATCH_WINDOW" envDefault:"24h"`

	PendingSweepSchedule  string `env:"PENDING_SWEEP_SCHEDULE" envDefault:"@every 5m"`
	PendingSweepBatch     int    `env:"PENDING_SWEEP_BATCH" envDefault:"100"`
	RotationResetSchedule string `env:"ROTATION_RESET_SCHEDULE"`

	AMQPURL        string `env:"AMQP_URL"`
	EventsExchange string `env:"EVENTS_EXCHANGE" envDefault:"reconciliation_events"`

	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
}

func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func LoadCLI() (*CLIConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("config.LoadCLI: %w", err)
	}

	cfg, err := env.ParseAs[CLIConfig]()
	if err != nil {
		return nil, fmt.Errorf("config.LoadCLI: %w", err)
	}
	if err := cfg.Rotation.validate(); err != nil {
		return nil, fmt.Errorf("config.LoadCLI: %w", err)
	}
	return &cfg, nil
}

func (c Config) validate() error {
	if err := c.Rotation.validate(); err != nil {
		return err
	}
	if c.MatchWindow <= 0 {
		return fmt.Errorf("MATCH_WINDOW must be positive, got %s", c.MatchWindow)
	}
	if c.ProviderQueryLimit <= 0 {
		return fmt.Errorf("PROVIDER_QUERY_LIMIT must be positive, got %d", c.ProviderQueryLimit)
	}
	if c.WebhookBatchSize <= 0 {
		return fmt.Errorf("WEBHOOK_BATCH_SIZE must be positive, got %d", c.WebhookBatchSize)
	}
	return nil
}

func (r RotationConfig) validate() error {
	if !r.Threshold.IsPositive() {
		return fmt.Errorf("ROTATION_THRESHOLD must be positive, got %s", r.Threshold)
	}
	if r.WalletKind == "" {
		return errors.New("ROTATION_WALLET_KIND must not be empty")
	}
	return nil
}

// A missing .env is normal outside local development.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
