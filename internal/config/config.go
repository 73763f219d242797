package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/fees"
	"github.com/example/freight-settlement/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr               string
	RedisPassword           string
	SettingsChannel         string
	SettingsRefreshInterval time.Duration

	KafkaBrokers         []string
	KafkaSettlementTopic string
	KafkaMatchTopic      string

	PGDSN                 string
	StoreStatementTimeout time.Duration
	RunMigrations         bool

	MatcherTopN     int
	MatcherMinScore int

	StripeAPIKey   string
	StripeCurrency string

	LogLevel string

	// DefaultSettings is active until an admin saves the first version.
	DefaultSettings models.PlatformSettings
}

// ConsumerConfig is the settlement event consumer's configuration.
type ConsumerConfig struct {
	MetricsAddr     string
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroup      string
	RedisAddr       string
	RedisPassword   string
	NotifyWebhook   string
	RedisAttempts   int
	RedisRetryDelay time.Duration
	LogLevel        string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                ":8080",
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            10 * time.Second,
		IdleTimeout:             120 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		SettingsChannel:         "platform-settings",
		SettingsRefreshInterval: time.Minute,
		KafkaSettlementTopic:    "load-settlements",
		KafkaMatchTopic:         "load-matches",
		StoreStatementTimeout:   5 * time.Second,
		MatcherTopN:             10,
		StripeCurrency:          "inr",
		LogLevel:                "info",
		DefaultSettings: models.PlatformSettings{
			Fees: models.FeeConfig{
				BasePercent: decimal.NewFromInt(10),
				MinFee:      decimal.NewFromInt(50),
				MaxFee:      decimal.NewFromInt(5000),
				Tiers: []models.FeeTier{
					{Amount: decimal.NewFromInt(5000), Percent: decimal.NewFromInt(10)},
					{Amount: decimal.NewFromInt(10000), Percent: decimal.NewFromInt(8)},
					{Amount: decimal.NewFromInt(25000), Percent: decimal.NewFromInt(6)},
				},
			},
			CommissionMode: models.CommissionShadow,
		},
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:     ":2112",
		KafkaBrokers:    []string{"localhost:9092"},
		KafkaTopic:      "load-settlements",
		KafkaGroup:      "settlement-consumer",
		RedisAddr:       "localhost:6379",
		RedisAttempts:   3,
		RedisRetryDelay: 200 * time.Millisecond,
		LogLevel:        "info",
	}
}

// LoadDotEnv reads ENV_FILE (default .env) into the environment without
// overriding variables that are already set. A missing file is fine.
func LoadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.SettingsChannel, "SETTINGS_CHANNEL")
	setDurationFromEnv(&cfg.SettingsRefreshInterval, "SETTINGS_REFRESH_INTERVAL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaSettlementTopic, "KAFKA_SETTLEMENT_TOPIC")
	setStringFromEnv(&cfg.KafkaMatchTopic, "KAFKA_MATCH_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setDurationFromEnv(&cfg.StoreStatementTimeout, "STORE_STATEMENT_TIMEOUT", &errs)
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setIntFromEnv(&cfg.MatcherMinScore, "MATCHER_MIN_SCORE", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	loadFeeSettings(&cfg.DefaultSettings, &errs)

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MatcherMinScore < 0 || cfg.MatcherMinScore > 100 {
		errs = append(errs, fmt.Errorf("MATCHER_MIN_SCORE must be within [0,100]"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_SETTLEMENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.NotifyWebhook = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	setIntFromEnv(&cfg.RedisAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RedisRetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RedisAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func loadFeeSettings(s *models.PlatformSettings, errs *[]error) {
	setDecimalFromEnv(&s.Fees.BasePercent, "FEE_BASE_PERCENT", errs)
	setDecimalFromEnv(&s.Fees.MinFee, "FEE_MIN", errs)
	setDecimalFromEnv(&s.Fees.MaxFee, "FEE_MAX", errs)
	if v := strings.TrimSpace(os.Getenv("FEE_TIERS")); v != "" {
		tiers, err := ParseTiers(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid FEE_TIERS: %w", err))
		} else {
			s.Fees.Tiers = tiers
		}
	}
	if v := os.Getenv("COMMISSION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid COMMISSION_ENABLED: %w", err))
		} else {
			s.CommissionEnabled = b
		}
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("COMMISSION_MODE"))); v != "" {
		switch models.CommissionMode(v) {
		case models.CommissionShadow, models.CommissionLive:
			s.CommissionMode = models.CommissionMode(v)
		default:
			*errs = append(*errs, fmt.Errorf("invalid COMMISSION_MODE %q", v))
		}
	}
	if err := fees.ValidateConfig(s.Fees); err != nil {
		*errs = append(*errs, err)
	}
}

// ParseTiers reads "amount:percent,amount:percent".
func ParseTiers(v string) ([]models.FeeTier, error) {
	var tiers []models.FeeTier
	for _, part := range splitAndTrim(v) {
		amount, percent, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("tier %q is not amount:percent", part)
		}
		a, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("tier %q amount: %w", part, err)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(percent))
		if err != nil {
			return nil, fmt.Errorf("tier %q percent: %w", part, err)
		}
		tiers = append(tiers, models.FeeTier{Amount: a, Percent: p})
	}
	return tiers, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setDecimalFromEnv(target *decimal.Decimal, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
