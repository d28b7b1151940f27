package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/meem-store/checkout-api/internal/handlers"
	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/platform/config"
	"github.com/meem-store/checkout-api/internal/platform/idempotency"
	"github.com/meem-store/checkout-api/internal/platform/jobs"
	"github.com/meem-store/checkout-api/internal/platform/observability"
	"github.com/meem-store/checkout-api/internal/platform/secrets"
	"github.com/meem-store/checkout-api/internal/receipt"
	"github.com/meem-store/checkout-api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	store, err := openOrderStore(ctx, cfg, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to initialise order store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}

	paymentsLogger := logger.Named("payments")
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:          cfg.Payments.StripeAPIKey,
		InvoiceCreation: true,
		Backends:        payments.NewStripeBackends(cfg.Payments.StripeAPIURL, cfg.Payments.CallTimeout, cfg.Payments.MaxNetworkRetries),
		Logger:          payments.StripeLogger(eventLogger(paymentsLogger, "stripe log")),
		Clock:           time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}

	paymentManager, err := payments.NewManager(
		map[string]payments.Provider{"stripe": stripeProvider},
		payments.WithCallTimeout(cfg.Payments.CallTimeout),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var pubsubClient *pubsub.Client
	var orphanTopic *pubsub.Topic
	alertOpts := []jobs.OrphanAlertsOption{}
	if topicName := strings.TrimSpace(cfg.Reconciler.PubSubTopic); topicName != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Reconciler.PubSubProjID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		orphanTopic = pubsubClient.Topic(topicName)
		orphanTopic.EnableMessageOrdering = true
		alertOpts = append(alertOpts, jobs.WithPublishTopic(orphanTopic))
	}
	orphanReporter := jobs.NewOrphanAlerts(logger.Named("orphans"), alertOpts...)

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:      store.orders,
		Payments:    paymentManager,
		Orphans:     orphanReporter,
		Currency:    cfg.Payments.Currency,
		SuccessURL:  cfg.Payments.SuccessURL,
		CancelURL:   cfg.Payments.CancelURL,
		DedupWindow: cfg.Checkout.DedupWindow,
		Clock:       time.Now,
		Logger:      eventLogger(logger.Named("checkout"), "checkout log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	reconciliationService, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:        store.orders,
		Payments:      paymentManager,
		VerifyPayment: cfg.Checkout.VerifyPayment,
		Logger:        eventLogger(logger.Named("reconciliation"), "reconciliation log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: store.orders,
		Clock:  time.Now,
		Logger: eventLogger(logger.Named("orders"), "order log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	location, err := time.LoadLocation(cfg.Receipt.TimeZone)
	if err != nil {
		logger.Warn("receipt: unknown time zone; falling back to UTC", zap.String("timeZone", cfg.Receipt.TimeZone), zap.Error(err))
		location = time.UTC
	}
	receiptService, err := services.NewReceiptService(services.ReceiptServiceDeps{
		Orders: store.orders,
		Renderers: map[services.ReceiptFormat]receipt.Renderer{
			services.ReceiptFormatPDF:  receipt.NewPDFRenderer(),
			services.ReceiptFormatText: receipt.NewTextRenderer(),
		},
		Options: receipt.Options{
			BrandName: cfg.Receipt.BrandName,
			Footer:    cfg.Receipt.Footer,
			Location:  location,
		},
		FilenamePrefix: cfg.Receipt.FilenamePrefix,
		Logger:         eventLogger(logger.Named("receipts"), "receipt log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise receipt service", zap.Error(err))
	}

	orphanReconciler, err := services.NewOrphanReconciler(services.OrphanReconcilerDeps{
		Orders:   store.orders,
		Payments: paymentManager,
		Reporter: orphanReporter,
		Lookback: cfg.Reconciler.Lookback,
		Grace:    cfg.Reconciler.Grace,
		Clock:    time.Now,
		Logger:   eventLogger(logger.Named("reconciler"), "reconciler log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise orphan reconciler", zap.Error(err))
	}

	systemService, err := newSystemService(store, paymentManager, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	var idempotencyStore idempotency.Store
	if store.firestore != nil {
		idempotencyStore = idempotency.NewFirestoreStore(store.firestore)
	} else {
		idempotencyStore = idempotency.NewMemoryStore()
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workerWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupLogger := logger.Named("idempotency")
		runEvery(workerCtx, &workerWG, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
			if err != nil {
				cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
				return
			}
			if removed > 0 {
				cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		})
	}
	if cfg.Reconciler.Interval > 0 {
		reconcilerLogger := logger.Named("reconciler")
		runEvery(workerCtx, &workerWG, cfg.Reconciler.Interval, func(ctx context.Context) {
			runCtx, cancel := context.WithTimeout(ctx, cfg.Reconciler.Interval)
			defer cancel()
			report, err := orphanReconciler.Run(runCtx)
			fields := []zap.Field{
				zap.Int("scanned", report.Scanned),
				zap.Int("matched", report.Matched),
				zap.Int("expired", report.Expired),
				zap.Int("alerted", report.Alerted),
				zap.Int("failed", report.Failed),
			}
			if err != nil {
				reconcilerLogger.Error("orphan sweep finished with errors", append(fields, zap.Error(err))...)
				return
			}
			reconcilerLogger.Info("orphan sweep finished", fields...)
		})
	}

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService, reconciliationService,
		handlers.WithCheckoutRateLimit(cfg.Checkout.RateLimit, cfg.Checkout.RateWindow),
	)
	orderHandlers := handlers.NewOrderHandlers(orderService, reconciliationService, receiptService)

	router := handlers.NewRouter(
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("store", cfg.Store.Driver))
	go func() {
		serverLogger.Info("checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	multierr.AppendInto(&shutdownErr, server.Shutdown(shutdownCtx))

	workerCancel()
	workerWG.Wait()

	if orphanTopic != nil {
		orphanTopic.Stop()
	}
	if pubsubClient != nil {
		multierr.AppendInto(&shutdownErr, pubsubClient.Close())
	}
	multierr.AppendInto(&shutdownErr, store.close(shutdownCtx))
	multierr.AppendInto(&shutdownErr, fetcher.Close())

	for _, err := range multierr.Errors(shutdownErr) {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runEvery invokes fn on every tick until ctx is cancelled.
func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// eventLogger adapts zap to the event logger signature shared by services and payments.
func eventLogger(logger *zap.Logger, msg string) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(msg, zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRETS_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{"Payments.StripeAPIKey"}
	if strings.EqualFold(strings.TrimSpace(env["API_ORDER_STORE_DRIVER"]), config.StoreDriverPostgres) {
		required = append(required, "Postgres.DSN")
	}
	return required
}
