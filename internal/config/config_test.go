package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// clearEnv unsets all config-related environment variables for a clean test run.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "ENV", "JWT_SECRET", "JWT_PREVIOUS_SECRET",
		"STRIPE_SECRET_KEY", "STRIPE_PUBLISHABLE_KEY",
		"STRIPE_CHECKOUT_WEBHOOK_SECRET", "STRIPE_REFUND_WEBHOOK_SECRET",
		"CHECKOUT_REDIRECT_BASE_URL", "REFUND_COOLDOWN_DAYS", "PACK_FEE_PERCENT",
		"REDIS_ADDR", "SMTP_ADDR", "SMTP_FROM",
		"TRACING_ENABLED", "TRACING_EXPORTER", "TRACING_OTLP_ENDPOINT", "TRACING_SAMPLING_RATE",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("CHECKOUT_REDIRECT_BASE_URL", "https://app.example.test/matching")

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.Env != DefaultEnv {
		t.Errorf("expected default env %q, got %q", DefaultEnv, cfg.Env)
	}
	if cfg.RefundCooldownDays != DefaultRefundCooldownDays {
		t.Errorf("expected default cooldown %d, got %d", DefaultRefundCooldownDays, cfg.RefundCooldownDays)
	}
	if cfg.PackFeePercent != DefaultPackFeePercent {
		t.Errorf("expected default fee percent %f, got %f", DefaultPackFeePercent, cfg.PackFeePercent)
	}
	if cfg.StripeConfigured() {
		t.Error("expected mock mode with no Stripe credentials")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	clearEnv(t)

	_, errs := Load("")
	if len(errs) == 0 {
		t.Fatal("expected validation errors for empty config")
	}

	found := map[error]bool{}
	for _, err := range errs {
		found[err] = true
	}
	if !found[ErrMissingJWTSecret] {
		t.Error("expected ErrMissingJWTSecret")
	}
	if !found[ErrMissingCheckoutBaseURL] {
		t.Error("expected ErrMissingCheckoutBaseURL")
	}
}

func TestLoad_PartialStripeCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("CHECKOUT_REDIRECT_BASE_URL", "https://app.example.test/matching")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")

	_, errs := Load("")
	if len(errs) != 1 || errs[0] != ErrPartialStripeCredentials {
		t.Fatalf("expected ErrPartialStripeCredentials, got %v", errs)
	}
}

func TestStripeConfigured_RequiresKeyPrefixes(t *testing.T) {
	cfg := &Config{StripeSecretKey: "not-a-key", StripePublishableKey: "also-not-a-key"}
	if cfg.StripeConfigured() {
		t.Error("malformed keys should not count as configured")
	}

	cfg = &Config{StripeSecretKey: "sk_test_abc", StripePublishableKey: "pk_test_abc"}
	if !cfg.StripeConfigured() {
		t.Error("well-formed keys should count as configured")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("jwt_secret: file-secret\ncheckout_redirect_base_url: https://file.example.test\nrefund_cooldown_days: 7\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("JWT_SECRET", "env-secret")

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Errorf("env var should take precedence, got %q", cfg.JWTSecret)
	}
	if cfg.CheckoutRedirectBaseURL != "https://file.example.test" {
		t.Errorf("file value should be used when env unset, got %q", cfg.CheckoutRedirectBaseURL)
	}
	if cfg.RefundCooldownDays != 7 {
		t.Errorf("expected cooldown 7 from file, got %d", cfg.RefundCooldownDays)
	}
}

func TestLoad_InvalidCooldown(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("CHECKOUT_REDIRECT_BASE_URL", "https://app.example.test/matching")
	t.Setenv("REFUND_COOLDOWN_DAYS", "-3")

	_, errs := Load("")
	found := false
	for _, err := range errs {
		if err == ErrInvalidCooldownDays {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ErrInvalidCooldownDays, got %v", errs)
	}
}

func TestLoad_InvalidRedirectBaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("CHECKOUT_REDIRECT_BASE_URL", "ftp://app.example.test")

	_, errs := Load("")
	found := false
	for _, err := range errs {
		if errors.Is(err, ErrInvalidCheckoutBaseURL) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ErrInvalidCheckoutBaseURL, got %v", errs)
	}
}

func TestLogSummary_MasksSecrets(t *testing.T) {
	cfg := &Config{
		JWTSecret:                   "super-secret-jwt-key",
		StripeSecretKey:             "sk_live_abcdef123456",
		StripeCheckoutWebhookSecret: "whsec_checkout_secret",
		StripeRefundWebhookSecret:   "whsec_refund_secret",
	}

	summary := cfg.LogSummary()

	if summary["jwt_secret"] == cfg.JWTSecret {
		t.Error("jwt_secret should be masked")
	}
	if summary["stripe_secret_key"] != "sk_live_****" {
		t.Errorf("expected stripe key prefix masking, got %q", summary["stripe_secret_key"])
	}
	if summary["stripe_checkout_webhook_secret"] == cfg.StripeCheckoutWebhookSecret {
		t.Error("checkout webhook secret should be masked")
	}
	if summary["stripe_refund_webhook_secret"] == cfg.StripeRefundWebhookSecret {
		t.Error("refund webhook secret should be masked")
	}
}
