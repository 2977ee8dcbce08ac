// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/maisonswap/maisonswap/internal/validate"
)

// redirectURLConstraints accepts http so local development can point the
// redirect base at a localhost frontend.
var redirectURLConstraints = validate.URLConstraints{
	AllowedSchemes: []string{"https", "http"},
	MaxLength:      2048,
}

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// JWT Authentication (previous secret enables zero-downtime rotation)
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Stripe. When the secret and publishable keys are both absent the
	// server runs with the deterministic mock gateway instead of failing.
	StripeSecretKey      string `koanf:"stripe_secret_key"`
	StripePublishableKey string `koanf:"stripe_publishable_key"`

	// Webhook secrets. The checkout and refund endpoints verify with
	// independent secrets so rotating one does not invalidate the other.
	StripeCheckoutWebhookSecret string `koanf:"stripe_checkout_webhook_secret"`
	StripeRefundWebhookSecret   string `koanf:"stripe_refund_webhook_secret"`

	// CheckoutRedirectBaseURL is the base for success/cancel redirect URLs.
	CheckoutRedirectBaseURL string `koanf:"checkout_redirect_base_url"`

	// Billing policy
	RefundCooldownDays int     `koanf:"refund_cooldown_days"`
	PackFeePercent     float64 `koanf:"pack_fee_percent"`

	// Redis (optional; rate limiting falls back to in-memory when unset)
	RedisAddr string `koanf:"redis_addr"`

	// SMTP (optional; notifications are logged only when unset)
	SMTPAddr string `koanf:"smtp_addr"`
	SMTPFrom string `koanf:"smtp_from"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// Configuration validation errors.
var (
	ErrMissingJWTSecret           = errors.New("JWT_SECRET is required")
	ErrMissingCheckoutBaseURL     = errors.New("CHECKOUT_REDIRECT_BASE_URL is required")
	ErrInvalidCheckoutBaseURL     = errors.New("CHECKOUT_REDIRECT_BASE_URL must be a valid http(s) URL")
	ErrInvalidCooldownDays        = errors.New("REFUND_COOLDOWN_DAYS must be > 0")
	ErrInvalidPackFeePercent      = errors.New("PACK_FEE_PERCENT must be >= 0")
	ErrPartialStripeCredentials   = errors.New("STRIPE_SECRET_KEY and STRIPE_PUBLISHABLE_KEY must be set together")
	ErrPartialSMTPConfig          = errors.New("SMTP_ADDR and SMTP_FROM must be set together")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidTracingSamplingRate = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultRefundCooldownDays  = 30
	DefaultPackFeePercent      = 5.0
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSamplingRate = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	cooldownDays, cooldownErr := getEnvIntOrDefault("REFUND_COOLDOWN_DAYS", k.Int("refund_cooldown_days"), DefaultRefundCooldownDays)
	if cooldownErr != nil {
		loadErrs = append(loadErrs, cooldownErr)
	}

	feePercent, feeErr := getEnvFloatOrDefault("PACK_FEE_PERCENT", k.Float64("pack_fee_percent"), DefaultPackFeePercent)
	if feeErr != nil {
		loadErrs = append(loadErrs, feeErr)
	}

	samplingRate, samplingErr := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	if samplingErr != nil {
		loadErrs = append(loadErrs, samplingErr)
	}

	tracingEnabled := k.Bool("tracing_enabled")
	if val := os.Getenv("TRACING_ENABLED"); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			tracingEnabled = true
		case "false", "0", "no", "off":
			tracingEnabled = false
		}
	}

	cfg := &Config{
		Port:                        port,
		Env:                         getEnvOrDefault("ENV", k.String("env"), DefaultEnv),
		JWTSecret:                   getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:           getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		StripeSecretKey:             getEnvOrKoanf("STRIPE_SECRET_KEY", k, "stripe_secret_key"),
		StripePublishableKey:        getEnvOrKoanf("STRIPE_PUBLISHABLE_KEY", k, "stripe_publishable_key"),
		StripeCheckoutWebhookSecret: getEnvOrKoanf("STRIPE_CHECKOUT_WEBHOOK_SECRET", k, "stripe_checkout_webhook_secret"),
		StripeRefundWebhookSecret:   getEnvOrKoanf("STRIPE_REFUND_WEBHOOK_SECRET", k, "stripe_refund_webhook_secret"),
		CheckoutRedirectBaseURL:     getEnvOrKoanf("CHECKOUT_REDIRECT_BASE_URL", k, "checkout_redirect_base_url"),
		RefundCooldownDays:          cooldownDays,
		PackFeePercent:              feePercent,
		RedisAddr:                   getEnvOrKoanf("REDIS_ADDR", k, "redis_addr"),
		SMTPAddr:                    getEnvOrKoanf("SMTP_ADDR", k, "smtp_addr"),
		SMTPFrom:                    getEnvOrKoanf("SMTP_FROM", k, "smtp_from"),
		TracingEnabled:              tracingEnabled,
		TracingExporter:             getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingOTLPEndpoint:         getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSamplingRate:         samplingRate,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// StripeConfigured reports whether both Stripe credentials are present and
// carry the expected key prefixes. When false the mock gateway is used.
func (c *Config) StripeConfigured() bool {
	return strings.HasPrefix(c.StripeSecretKey, "sk_") && strings.HasPrefix(c.StripePublishableKey, "pk_")
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.CheckoutRedirectBaseURL == "" {
		errs = append(errs, ErrMissingCheckoutBaseURL)
	} else if _, err := validate.URL(c.CheckoutRedirectBaseURL, redirectURLConstraints); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidCheckoutBaseURL, err))
	}
	if c.RefundCooldownDays <= 0 {
		errs = append(errs, ErrInvalidCooldownDays)
	}
	if c.PackFeePercent < 0 {
		errs = append(errs, ErrInvalidPackFeePercent)
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidTracingSamplingRate)
	}

	// Stripe credentials are optional (mock mode), but partial credentials
	// are a misconfiguration rather than an intent to run mocked.
	if (c.StripeSecretKey == "") != (c.StripePublishableKey == "") {
		errs = append(errs, ErrPartialStripeCredentials)
	}

	if (c.SMTPAddr == "") != (c.SMTPFrom == "") {
		errs = append(errs, ErrPartialSMTPConfig)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                           fmt.Sprintf("%d", c.Port),
		"env":                            c.Env,
		"jwt_secret":                     maskSecret(c.JWTSecret),
		"jwt_previous_secret":            maskSecret(c.JWTPreviousSecret),
		"stripe_secret_key":              maskStripeKey(c.StripeSecretKey),
		"stripe_publishable_key":         maskStripeKey(c.StripePublishableKey),
		"stripe_checkout_webhook_secret": maskSecret(c.StripeCheckoutWebhookSecret),
		"stripe_refund_webhook_secret":   maskSecret(c.StripeRefundWebhookSecret),
		"checkout_redirect_base_url":     c.CheckoutRedirectBaseURL,
		"refund_cooldown_days":           fmt.Sprintf("%d", c.RefundCooldownDays),
		"pack_fee_percent":               fmt.Sprintf("%.2f", c.PackFeePercent),
		"redis_addr":                     c.RedisAddr,
		"smtp_addr":                      c.SMTPAddr,
		"smtp_from":                      c.SMTPFrom,
		"stripe_mode":                    stripeMode(c.StripeConfigured()),
		"tracing_enabled":                fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":               c.TracingExporter,
		"tracing_otlp_endpoint":          c.TracingOTLPEndpoint,
		"tracing_sampling_rate":          fmt.Sprintf("%.2f", c.TracingSamplingRate),
	}
}

func stripeMode(configured bool) string {
	if configured {
		return "live"
	}
	return "mock"
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	return maskSecret(s)
}
