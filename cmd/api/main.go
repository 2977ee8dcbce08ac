// Package main is the entry point for the MaisonSwap payments API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/maisonswap/maisonswap/internal/api"
	"github.com/maisonswap/maisonswap/internal/auth"
	"github.com/maisonswap/maisonswap/internal/billing"
	"github.com/maisonswap/maisonswap/internal/config"
	"github.com/maisonswap/maisonswap/internal/credit"
	"github.com/maisonswap/maisonswap/internal/gateway"
	"github.com/maisonswap/maisonswap/internal/health"
	"github.com/maisonswap/maisonswap/internal/idempotency"
	"github.com/maisonswap/maisonswap/internal/middleware"
	"github.com/maisonswap/maisonswap/internal/notify"
	"github.com/maisonswap/maisonswap/internal/pack"
	"github.com/maisonswap/maisonswap/internal/tracing"
	"github.com/maisonswap/maisonswap/internal/user"
)

const (
	reconcilerInterval = 5 * time.Minute
	reconcilerMinAge   = 15 * time.Minute

	idempotencyCleanupInterval = 1 * time.Hour
	idempotencyKeyExpiry       = 24 * time.Hour

	rateLimitCleanupInterval = 5 * time.Minute
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("MaisonSwap Payments API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "maisonswap-api",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Metrics registry shared by HTTP middleware and the billing domain.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}
	billingMetrics := billing.NewMetrics()
	if err := billingMetrics.Register(registry); err != nil {
		logger.Error("failed to register billing metrics", "error", err)
		os.Exit(1)
	}

	// Redis is optional; rate limiting degrades to per-process windows and
	// readiness skips the check when it is not configured.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var jwtService *auth.JWTService
	if cfg.JWTPreviousSecret != "" {
		jwtService = auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	} else {
		jwtService = auth.NewJWTService(cfg.JWTSecret)
	}

	var notifier notify.Notifier
	if cfg.SMTPAddr != "" {
		notifier = notify.NewSMTPNotifier(cfg.SMTPAddr, cfg.SMTPFrom)
	} else {
		notifier = notify.NewLogNotifier()
	}

	var gatewaySecret string
	if cfg.StripeConfigured() {
		gatewaySecret = cfg.StripeSecretKey
	}
	gw := gateway.New(gatewaySecret)
	if !gw.IsConfigured() {
		logger.Warn("payment provider not configured, running with mock gateway")
	}

	users := user.NewInMemoryRepository()
	intents := credit.NewInMemoryIntentRepository()
	payments := credit.NewInMemoryPaymentRepository()
	transactions := credit.NewInMemoryTransactionRepository()
	ledger := credit.NewLedger(intents, payments)
	catalog := pack.NewCatalog(cfg.PackFeePercent)

	service := billing.NewService(
		users, ledger, payments, transactions,
		gw, notifier, catalog,
		cfg.CheckoutRedirectBaseURL,
		time.Duration(cfg.RefundCooldownDays)*24*time.Hour,
		billingMetrics,
	)

	// Background loops run until the shutdown context is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler := billing.NewReconciler(service, payments, reconcilerInterval, reconcilerMinAge)
	go reconciler.Start(ctx)

	idempotencyRepo := idempotency.NewInMemoryRepository()
	stopCleanup := make(chan struct{})
	go idempotency.RunPeriodicCleanup(idempotencyRepo, idempotencyCleanupInterval, idempotencyKeyExpiry, stopCleanup)

	var globalStore middleware.RateLimitStore
	if redisClient != nil {
		globalStore = middleware.NewRedisRateLimitStore(redisClient).WithMetrics(httpMetrics).Store()
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		globalStore = memStore
		go func() {
			ticker := time.NewTicker(rateLimitCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					memStore.Cleanup()
				}
			}
		}()
	}

	requireAuth := middleware.RequireAuth(jwtService)
	checkoutLimit := middleware.RateLimiter(globalStore, middleware.DefaultCheckoutLimit(), middleware.UserKeyFunc(), httpMetrics)
	webhookLimit := middleware.RateLimiter(globalStore, middleware.DefaultWebhookLimit(), middleware.IPKeyFunc(), httpMetrics)

	packHandlers := api.NewPackHandlers(catalog)
	paymentHandlers := api.NewPaymentHandlers(service)
	webhookHandlers := api.NewWebhookHandlers(service, cfg.StripeCheckoutWebhookSecret, cfg.StripeRefundWebhookSecret)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		RedisChecker:      redisChecker(redisClient),
		GatewayConfigured: gw.IsConfigured(),
	})

	mux := http.NewServeMux()
	mux.Handle("/packs", http.HandlerFunc(packHandlers.ListPacks))
	mux.Handle("/payments/checkout", checkoutLimit(requireAuth(http.HandlerFunc(paymentHandlers.CreateCheckout))))
	mux.Handle("/payments/summary", requireAuth(http.HandlerFunc(paymentHandlers.Summary)))
	mux.Handle("/payments/session/", requireAuth(http.HandlerFunc(paymentHandlers.SessionPayment)))
	mux.Handle("/payments/refund", checkoutLimit(requireAuth(http.HandlerFunc(paymentHandlers.RequestRefund))))
	mux.HandleFunc("/payments/success", paymentHandlers.CheckoutSuccess)
	mux.HandleFunc("/payments/cancel", paymentHandlers.CheckoutCancel)
	mux.Handle("/internal/matching/consume", requireAuth(http.HandlerFunc(paymentHandlers.ConsumeCredit)))
	mux.Handle("/webhooks/checkout", webhookLimit(http.HandlerFunc(webhookHandlers.HandleCheckout)))
	mux.Handle("/webhooks/refund", webhookLimit(http.HandlerFunc(webhookHandlers.HandleRefund)))
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"maisonswap-api","version":"0.1.0"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	// Logging stays innermost so handlers can attach error codes to the
	// response writer it installs.
	var handler http.Handler = middleware.Logging(logger)(mux)
	handler = middleware.IdempotencyMiddleware(idempotencyRepo, map[string]bool{
		"/payments/checkout": true,
		"/payments/refund":   true,
	})(handler)
	handler = middleware.RateLimiter(globalStore, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc(), httpMetrics)(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   []string{cfg.CheckoutRedirectBaseURL},
		AllowCredentials: true,
	})(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing("maisonswap-api")(handler)
	}
	if cfg.Env == "development" {
		handler = middleware.Profiling(middleware.ProfilingConfig{Enabled: true, Environment: cfg.Env})(handler)
	}
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()
	close(stopCleanup)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}

	logger.Info("server stopped")
}

// redisChecker returns a health checker for the client, or nil when Redis is
// not configured so readiness skips the check.
func redisChecker(client *redis.Client) api.HealthChecker {
	if client == nil {
		return nil
	}
	return health.NewRedisChecker(client)
}
