package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the HTTP service and its collaborators.
type Config struct {
	HTTPListenAddr string
	MySQLDSN       string
	AppURL         string

	AIProvider           string
	AnthropicAPIKey      string
	AnthropicModel       string
	AnthropicBaseURL     string
	GeminiAPIKey         string
	GeminiModel          string
	GeminiFallbackModel  string
	GeminiBaseURL        string
	GeminiRetryDelay     time.Duration
	RequestTimeout       time.Duration
	GenerationTimeout    time.Duration
	GenerationAttempts   int
	GenerationRetryDelay time.Duration

	SignupCredits           int
	RefundReconcileInterval time.Duration
	AssistRatePerMinute     int
	MaxUploadBytes          int64

	AuthJWTSecret   string
	AuthJWTIssuer   string
	AuthJWTAudience string

	StripeSecretKey          string
	StripeWebhookSecret      string
	StripeDefaultPriceID     string
	PaymentCurrency          string
	PaymentPriceMinorUnits   int
	PaymentCreditsPerPackage int

	AdminUsername string
	AdminPassword string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	LogLevel     string
	LogFile      string
	OTelEnabled  bool
	OTelEndpoint string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		AppURL:         strings.TrimRight(getEnv("APP_URL", "http://localhost:3000"), "/"),

		AIProvider:           strings.ToLower(getEnv("AI_PROVIDER", "anthropic")),
		AnthropicModel:       getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		AnthropicBaseURL:     getEnv("ANTHROPIC_BASE_URL", ""),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-3-flash"),
		GeminiFallbackModel:  getEnv("GEMINI_FALLBACK_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:        getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiRetryDelay:     time.Millisecond * time.Duration(getInt("GEMINI_RETRY_DELAY_MS", 3000)),
		RequestTimeout:       time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		GenerationTimeout:    time.Second * time.Duration(getInt("GENERATION_TIMEOUT_SECONDS", 180)),
		GenerationAttempts:   getInt("GENERATION_MAX_ATTEMPTS", 3),
		GenerationRetryDelay: time.Millisecond * time.Duration(getInt("GENERATION_RETRY_DELAY_MS", 1000)),

		SignupCredits:           getInt("SIGNUP_CREDITS", 3),
		RefundReconcileInterval: time.Second * time.Duration(getInt("REFUND_RECONCILE_INTERVAL_SECONDS", 60)),
		AssistRatePerMinute:     getInt("ASSIST_RATE_PER_MINUTE", 20),
		MaxUploadBytes:          int64(getInt("MAX_UPLOAD_MB", 10)) << 20,

		AuthJWTIssuer:   getEnv("AUTH_JWT_ISSUER", ""),
		AuthJWTAudience: getEnv("AUTH_JWT_AUDIENCE", "authenticated"),

		StripeDefaultPriceID:     getEnv("STRIPE_DEFAULT_PRICE_ID", ""),
		PaymentCurrency:          strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
		PaymentPriceMinorUnits:   getInt("PAYMENT_PRICE_MINOR_UNITS", 999),
		PaymentCreditsPerPackage: getInt("PAYMENT_CREDITS_PER_PACKAGE", 50),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "change-me"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "screenshots"),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      getEnv("LOG_FILE", ""),
		OTelEnabled:  getBool("OTEL_ENABLED", false),
		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.AuthJWTSecret = os.Getenv("AUTH_JWT_SECRET")
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing required variable at once.
func (c Config) Validate() error {
	var missing []string
	if c.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if c.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	switch c.AIProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	case "hybrid":
		if c.AnthropicAPIKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
		if c.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported AI_PROVIDER %q (want anthropic, gemini or hybrid)", c.AIProvider)
	}
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.GenerationAttempts < 1 {
		return fmt.Errorf("GENERATION_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile overlays the first env file found. Running without one is fine;
// containers usually inject variables directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
