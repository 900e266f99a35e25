package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultJWTSecret     = "change-me-jwt-secret"
	defaultTokenSecret   = "change-me-token-secret-0123456789"
	defaultWebhookSecret = "change-me-webhook-secret"
)

type Config struct {
	AppEnv    string
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	DatabaseURL  string
	DBMaxOpen    int
	DBLogQueries bool

	Timezone        *time.Location
	QuietHoursStart string
	QuietHoursEnd   string

	HoldTTL              time.Duration
	CheckoutTTL          time.Duration
	OfferResponseWindow  time.Duration
	ReminderLead         time.Duration
	IdempotencyRetention time.Duration
	IdempotencyWait      time.Duration
	TokenRetention       time.Duration
	TableJoinBound       int
	DefaultCountry       string

	NoShowFeePerHead     int64
	LateCancelFeePerHead int64
	PreOrderMenu         map[string]int64
	Currency             string
	OperatorEmail        string
	ManagerTokenTTL      time.Duration
	GuestTokenTTL        time.Duration
	PublicBaseURL        string
	TokenSecret          string

	JWTSecret string
	JWTTTL    time.Duration

	ProcessorBaseURL       string
	ProcessorAPIKey        string
	ProcessorWebhookSecret string

	SMTPAddr     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMSBaseURL   string
	SMSAPIKey    string

	RedisAddr                string
	RedisPassword            string
	ThrottleCapacity         int
	ThrottleRefill           int
	ThrottleInterval         time.Duration
	ThrottleFallbackCapacity int

	AMQPURL      string
	AMQPExchange string

	CORSAllowedOrigins []string
	InternalToken      string
	InternalAllowedIPs []string
	// SweepInterval runs the sweep inside the API process; zero leaves it
	// to an external scheduler.
	SweepInterval time.Duration
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = strings.TrimSpace(os.Getenv("ENV"))
	}
	if appEnv == "" {
		appEnv = "dev"
	}
	cfg.AppEnv = strings.ToLower(appEnv)

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "json")
	cfg.DatabaseURL = strings.TrimSpace(getEnv("DATABASE_URL", "file:venuecore.db?_pragma=busy_timeout(5000)"))
	cfg.DBLogQueries = parseBoolEnv("DB_LOG_QUERIES", "false")
	cfg.QuietHoursStart = getEnv("QUIET_HOURS_START", "21:00")
	cfg.QuietHoursEnd = getEnv("QUIET_HOURS_END", "09:00")
	cfg.DefaultCountry = strings.ToUpper(getEnv("DEFAULT_COUNTRY", "US"))
	cfg.Currency = strings.ToUpper(getEnv("CURRENCY", "USD"))
	cfg.OperatorEmail = strings.TrimSpace(os.Getenv("OPERATOR_EMAIL"))
	cfg.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/")
	cfg.TokenSecret = strings.TrimSpace(getEnv("TOKEN_SECRET", defaultTokenSecret))
	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", defaultJWTSecret))
	cfg.ProcessorBaseURL = strings.TrimSpace(os.Getenv("PROCESSOR_BASE_URL"))
	cfg.ProcessorAPIKey = strings.TrimSpace(os.Getenv("PROCESSOR_API_KEY"))
	cfg.ProcessorWebhookSecret = strings.TrimSpace(getEnv("PROCESSOR_WEBHOOK_SECRET", defaultWebhookSecret))
	cfg.SMTPAddr = strings.TrimSpace(os.Getenv("SMTP_ADDR"))
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = getEnv("SMTP_FROM", "bookings@localhost")
	cfg.SMSBaseURL = strings.TrimSpace(os.Getenv("SMS_BASE_URL"))
	cfg.SMSAPIKey = strings.TrimSpace(os.Getenv("SMS_API_KEY"))
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	cfg.AMQPExchange = getEnv("AMQP_EXCHANGE", "venuecore.events")
	cfg.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	cfg.InternalToken = strings.TrimSpace(os.Getenv("INTERNAL_TOKEN"))
	cfg.InternalAllowedIPs = splitList(os.Getenv("INTERNAL_ALLOWED_IPS"))

	tz := getEnv("VENUE_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid VENUE_TIMEZONE %q: %w", tz, err)
	}
	cfg.Timezone = loc

	durations := []struct {
		name, fallback string
		dst            *time.Duration
	}{
		{"HOLD_TTL", "15m", &cfg.HoldTTL},
		{"CHECKOUT_TTL", "30m", &cfg.CheckoutTTL},
		{"OFFER_RESPONSE_WINDOW", "2h", &cfg.OfferResponseWindow},
		{"REMINDER_LEAD", "24h", &cfg.ReminderLead},
		{"IDEMPOTENCY_RETENTION", "24h", &cfg.IdempotencyRetention},
		{"IDEMPOTENCY_WAIT", "5s", &cfg.IdempotencyWait},
		{"TOKEN_RETENTION", "168h", &cfg.TokenRetention},
		{"MANAGER_TOKEN_TTL", "72h", &cfg.ManagerTokenTTL},
		{"GUEST_TOKEN_TTL", "720h", &cfg.GuestTokenTTL},
		{"JWT_TTL", "12h", &cfg.JWTTTL},
		{"THROTTLE_INTERVAL", "6s", &cfg.ThrottleInterval},
		{"SWEEP_INTERVAL", "0s", &cfg.SweepInterval},
	}
	for _, d := range durations {
		if *d.dst, err = parseDurationEnv(d.name, d.fallback); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name, fallback string
		dst            *int
	}{
		{"DB_MAX_OPEN_CONNS", "20", &cfg.DBMaxOpen},
		{"TABLE_JOIN_BOUND", "4", &cfg.TableJoinBound},
		{"THROTTLE_CAPACITY", "10", &cfg.ThrottleCapacity},
		{"THROTTLE_REFILL", "1", &cfg.ThrottleRefill},
		{"THROTTLE_FALLBACK_CAPACITY", "3", &cfg.ThrottleFallbackCapacity},
	}
	for _, n := range ints {
		if *n.dst, err = parseIntEnv(n.name, n.fallback); err != nil {
			return nil, err
		}
	}

	noShow, err := parseIntEnv("NO_SHOW_FEE_PER_HEAD", "0")
	if err != nil {
		return nil, err
	}
	late, err := parseIntEnv("LATE_CANCEL_FEE_PER_HEAD", "0")
	if err != nil {
		return nil, err
	}
	cfg.NoShowFeePerHead = int64(noShow)
	cfg.LateCancelFeePerHead = int64(late)
	if cfg.PreOrderMenu, err = parseMenu(os.Getenv("PRE_ORDER_MENU")); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	var errs []error
	positive := map[string]time.Duration{
		"HOLD_TTL":              cfg.HoldTTL,
		"CHECKOUT_TTL":          cfg.CheckoutTTL,
		"OFFER_RESPONSE_WINDOW": cfg.OfferResponseWindow,
		"REMINDER_LEAD":         cfg.ReminderLead,
		"IDEMPOTENCY_RETENTION": cfg.IdempotencyRetention,
		"IDEMPOTENCY_WAIT":      cfg.IdempotencyWait,
		"MANAGER_TOKEN_TTL":     cfg.ManagerTokenTTL,
		"GUEST_TOKEN_TTL":       cfg.GuestTokenTTL,
		"JWT_TTL":               cfg.JWTTTL,
		"THROTTLE_INTERVAL":     cfg.ThrottleInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if cfg.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must not be negative"))
	}
	if cfg.TableJoinBound < 1 {
		errs = append(errs, fmt.Errorf("TABLE_JOIN_BOUND must be >= 1"))
	}
	if cfg.ThrottleCapacity < 1 || cfg.ThrottleRefill < 1 {
		errs = append(errs, fmt.Errorf("THROTTLE_CAPACITY and THROTTLE_REFILL must be >= 1"))
	}
	if cfg.NoShowFeePerHead < 0 || cfg.LateCancelFeePerHead < 0 {
		errs = append(errs, fmt.Errorf("fees per head must not be negative"))
	}
	if len(cfg.TokenSecret) < 32 {
		errs = append(errs, fmt.Errorf("TOKEN_SECRET must be at least 32 bytes"))
	}
	if len(cfg.Currency) != 3 {
		errs = append(errs, fmt.Errorf("CURRENCY must be a 3-letter code"))
	}
	if _, err := time.Parse("15:04", cfg.QuietHoursStart); err != nil {
		errs = append(errs, fmt.Errorf("QUIET_HOURS_START must be HH:MM"))
	}
	if _, err := time.Parse("15:04", cfg.QuietHoursEnd); err != nil {
		errs = append(errs, fmt.Errorf("QUIET_HOURS_END must be HH:MM"))
	}

	if IsProdLike(cfg.AppEnv) {
		if isEmptyOrDefault(cfg.JWTSecret, defaultJWTSecret) {
			errs = append(errs, fmt.Errorf("in prod/release JWT_SECRET must be set and not default"))
		}
		if isEmptyOrDefault(cfg.TokenSecret, defaultTokenSecret) {
			errs = append(errs, fmt.Errorf("in prod/release TOKEN_SECRET must be set and not default"))
		}
		if isEmptyOrDefault(cfg.ProcessorWebhookSecret, defaultWebhookSecret) {
			errs = append(errs, fmt.Errorf("in prod/release PROCESSOR_WEBHOOK_SECRET must be set and not default"))
		}
		if cfg.ProcessorBaseURL == "" {
			errs = append(errs, fmt.Errorf("in prod/release PROCESSOR_BASE_URL must be set"))
		}
		if cfg.OperatorEmail == "" {
			errs = append(errs, fmt.Errorf("in prod/release OPERATOR_EMAIL must be set"))
		}
	}

	return errors.Join(errs...)
}

func IsProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}

func parseDurationEnv(name, fallback string) (time.Duration, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return d, nil
}

func parseIntEnv(name, fallback string) (int, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return n, nil
}

func parseBoolEnv(name, fallback string) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(name, fallback)))
	return value == "1" || value == "true" || value == "yes" || value == "on"
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// parseMenu reads "code=price,code=price" with prices in minor units.
func parseMenu(raw string) (map[string]int64, error) {
	menu := map[string]int64{}
	for _, entry := range splitList(raw) {
		code, price, ok := strings.Cut(entry, "=")
		code = strings.ToLower(strings.TrimSpace(code))
		if !ok || code == "" {
			return nil, fmt.Errorf("invalid PRE_ORDER_MENU entry %q", entry)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(price), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid PRE_ORDER_MENU price for %q", code)
		}
		menu[code] = n
	}
	return menu, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
