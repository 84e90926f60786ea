package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally against in-memory backends without any setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisGeoKey      string
	RedisDeadlineKey string
	RedisEventPrefix string
	RedisTokenKey    string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string
	KafkaGroup         string

	PGDSN string

	Dispatch DispatchConfig

	FirebaseProjectID       string
	FirebaseCredentialsFile string

	StripeAPIKey string
	PaymentHolds bool

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the engine parameters.
type DispatchConfig struct {
	Window               time.Duration
	RadiusKm             float64
	MaxCandidates        int
	FreshnessWindow      time.Duration
	SweepInterval        time.Duration
	DeadlinePollInterval time.Duration
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Window:               50 * time.Second,
		RadiusKm:             10,
		MaxCandidates:        5,
		FreshnessWindow:      2 * time.Minute,
		SweepInterval:        15 * time.Second,
		DeadlinePollInterval: time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		RedisDeadlineKey:   "dispatch:deadlines",
		RedisEventPrefix:   "dispatch:events",
		RedisTokenKey:      "driver:push_tokens",
		KafkaLocationTopic: "driver-locations",
		KafkaRideTopic:     "ride-events",
		KafkaGroup:         "ride-dispatch",
		Dispatch:           DefaultDispatchConfig(),
		LogLevel:           "info",
	}
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
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisDeadlineKey, "REDIS_DEADLINE_KEY")
	setStringFromEnv(&cfg.RedisEventPrefix, "REDIS_EVENT_PREFIX")
	setStringFromEnv(&cfg.RedisTokenKey, "REDIS_PUSH_TOKEN_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.Dispatch.Window, "DISPATCH_WINDOW", &errs)
	setFloatFromEnv(&cfg.Dispatch.RadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Dispatch.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&cfg.Dispatch.FreshnessWindow, "DRIVER_FRESHNESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.Dispatch.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Dispatch.DeadlinePollInterval, "DEADLINE_POLL_INTERVAL", &errs)

	cfg.FirebaseProjectID = strings.TrimSpace(os.Getenv("FIREBASE_PROJECT_ID"))
	cfg.FirebaseCredentialsFile = strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE"))

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.PaymentHolds = strings.EqualFold(os.Getenv("PAYMENT_HOLDS"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.Dispatch.Validate())
	if cfg.PaymentHolds && cfg.StripeAPIKey == "" {
		errs = append(errs, fmt.Errorf("PAYMENT_HOLDS requires STRIPE_API_KEY"))
	}

	return cfg, errors.Join(errs...)
}

// Validate checks the engine parameters. It returns nil when all are usable.
func (d DispatchConfig) Validate() error {
	var errs []error
	if d.Window <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WINDOW must be > 0"))
	}
	if d.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if d.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if d.FreshnessWindow <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_FRESHNESS_WINDOW must be > 0"))
	}
	if d.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SWEEP_INTERVAL must be > 0"))
	}
	if d.DeadlinePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("DEADLINE_POLL_INTERVAL must be > 0"))
	}
	return errors.Join(errs...)
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
