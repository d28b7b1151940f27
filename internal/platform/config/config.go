package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 25 * time.Second
	defaultEnvironment          = "local"
	defaultStoreDriver          = StoreDriverFirestore
	defaultPostgresMaxConns     = 10
	defaultCurrency             = "usd"
	defaultClientURL            = "http://localhost:3000"
	defaultPaymentCallTimeout   = 10 * time.Second
	defaultPaymentRetries       = 2
	defaultCheckoutDedup        = 10 * time.Minute
	defaultCheckoutRateLimit    = 20
	defaultReceiptBrand         = "Meem"
	defaultReceiptPrefix        = "meem"
	defaultReceiptTimeZone      = "UTC"
	defaultReconcilerInterval   = 15 * time.Minute
	defaultReconcilerLookback   = 24 * time.Hour
	defaultReconcilerGrace      = 10 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Supported order store drivers.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
	StoreDriverMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Store       StoreConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Secrets     SecretsConfig
	Payments    PaymentsConfig
	Checkout    CheckoutConfig
	Receipt     ReceiptConfig
	Reconciler  ReconcilerConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestTimeout bounds handler execution; it should stay below WriteTimeout.
	RequestTimeout time.Duration
}

// StoreConfig selects the order store backend.
type StoreConfig struct {
	Driver string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the SQL order store.
type PostgresConfig struct {
	DSN            string
	MaxConns       int
	RunMigrations  bool
	ConnectTimeout time.Duration
}

// SecretsConfig points secret:// references at a Secret Manager project.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// PaymentsConfig carries gateway credentials and checkout redirect settings.
type PaymentsConfig struct {
	StripeAPIKey      string
	StripeAPIURL      string
	Currency          string
	ClientURL         string
	SuccessURL        string
	CancelURL         string
	CallTimeout       time.Duration
	MaxNetworkRetries int
}

// CheckoutConfig toggles checkout hardening behaviour.
type CheckoutConfig struct {
	VerifyPayment bool
	DedupWindow   time.Duration
	RateLimit     int
	RateWindow    time.Duration
}

// ReceiptConfig controls receipt branding.
type ReceiptConfig struct {
	BrandName      string
	FilenamePrefix string
	Footer         string
	TimeZone       string
}

// ReconcilerConfig configures the orphaned session sweep.
type ReconcilerConfig struct {
	Interval     time.Duration
	Lookback     time.Duration
	Grace        time.Duration
	PubSubTopic  string
	PubSubProjID string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers use it to build the secret fetcher
// before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory
// (e.g. "Payments.StripeAPIKey").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(stringWithDefault(lookup, "API_ORDER_STORE_DRIVER", defaultStoreDriver)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:            stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxConns:       intWithDefault(lookup, "API_POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
			RunMigrations:  boolWithDefault(lookup, "API_POSTGRES_RUN_MIGRATIONS", true),
			ConnectTimeout: durationWithDefault(lookup, "API_POSTGRES_CONNECT_TIMEOUT", 10*time.Second),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "API_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "API_SECRETS_FALLBACK_FILE", ""),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:      stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeAPIURL:      stringWithDefault(lookup, "API_PSP_STRIPE_API_URL", ""),
			Currency:          strings.ToLower(stringWithDefault(lookup, "API_PSP_CURRENCY", defaultCurrency)),
			ClientURL:         strings.TrimRight(stringWithDefault(lookup, "API_CLIENT_URL", defaultClientURL), "/"),
			SuccessURL:        stringWithDefault(lookup, "API_PSP_SUCCESS_URL", ""),
			CancelURL:         stringWithDefault(lookup, "API_PSP_CANCEL_URL", ""),
			CallTimeout:       durationWithDefault(lookup, "API_PSP_CALL_TIMEOUT", defaultPaymentCallTimeout),
			MaxNetworkRetries: intWithDefault(lookup, "API_PSP_MAX_NETWORK_RETRIES", defaultPaymentRetries),
		},
		Checkout: CheckoutConfig{
			VerifyPayment: boolWithDefault(lookup, "API_CHECKOUT_VERIFY_PAYMENT", true),
			DedupWindow:   durationWithDefault(lookup, "API_CHECKOUT_DEDUP_WINDOW", defaultCheckoutDedup),
			RateLimit:     intWithDefault(lookup, "API_CHECKOUT_RATE_LIMIT", defaultCheckoutRateLimit),
			RateWindow:    durationWithDefault(lookup, "API_CHECKOUT_RATE_WINDOW", time.Minute),
		},
		Receipt: ReceiptConfig{
			BrandName:      stringWithDefault(lookup, "API_RECEIPT_BRAND", defaultReceiptBrand),
			FilenamePrefix: stringWithDefault(lookup, "API_RECEIPT_FILENAME_PREFIX", defaultReceiptPrefix),
			Footer:         stringWithDefault(lookup, "API_RECEIPT_FOOTER", ""),
			TimeZone:       stringWithDefault(lookup, "API_RECEIPT_TIMEZONE", defaultReceiptTimeZone),
		},
		Reconciler: ReconcilerConfig{
			Interval:     durationWithDefault(lookup, "API_RECONCILER_INTERVAL", defaultReconcilerInterval),
			Lookback:     durationWithDefault(lookup, "API_RECONCILER_LOOKBACK", defaultReconcilerLookback),
			Grace:        durationWithDefault(lookup, "API_RECONCILER_GRACE", defaultReconcilerGrace),
			PubSubTopic:  stringWithDefault(lookup, "API_RECONCILER_PUBSUB_TOPIC", ""),
			PubSubProjID: stringWithDefault(lookup, "API_RECONCILER_PUBSUB_PROJECT_ID", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Reconciler.PubSubProjID == "" {
		cfg.Reconciler.PubSubProjID = cfg.Firestore.ProjectID
	}
	if cfg.Payments.SuccessURL == "" {
		cfg.Payments.SuccessURL = cfg.Payments.ClientURL + "/success?session_id={CHECKOUT_SESSION_ID}"
	}
	if cfg.Payments.CancelURL == "" {
		cfg.Payments.CancelURL = cfg.Payments.ClientURL + "/checkout"
	}
	if cfg.Receipt.Footer == "" {
		cfg.Receipt.Footer = fmt.Sprintf("Thank you for shopping with %s.", cfg.Receipt.BrandName)
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Postgres.DSN", &cfg.Postgres.DSN},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.RequestTimeout < 0 {
		missing = append(missing, "Server.RequestTimeout")
	}
	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case StoreDriverPostgres:
		if cfg.Postgres.DSN == "" {
			missing = append(missing, "Postgres.DSN")
		}
		if cfg.Postgres.MaxConns <= 0 {
			missing = append(missing, "Postgres.MaxConns")
		}
	case StoreDriverMemory:
	default:
		missing = append(missing, "Store.Driver")
	}
	if len(cfg.Payments.Currency) != 3 {
		missing = append(missing, "Payments.Currency")
	}
	if cfg.Payments.CallTimeout <= 0 {
		missing = append(missing, "Payments.CallTimeout")
	}
	if !strings.Contains(cfg.Payments.SuccessURL, "{CHECKOUT_SESSION_ID}") {
		missing = append(missing, "Payments.SuccessURL")
	}
	if cfg.Checkout.DedupWindow <= 0 {
		missing = append(missing, "Checkout.DedupWindow")
	}
	if cfg.Checkout.RateLimit > 0 && cfg.Checkout.RateWindow <= 0 {
		missing = append(missing, "Checkout.RateWindow")
	}
	if strings.TrimSpace(cfg.Receipt.FilenamePrefix) == "" {
		missing = append(missing, "Receipt.FilenamePrefix")
	}
	if _, err := time.LoadLocation(cfg.Receipt.TimeZone); err != nil {
		missing = append(missing, "Receipt.TimeZone")
	}
	if cfg.Reconciler.Interval < 0 {
		missing = append(missing, "Reconciler.Interval")
	}
	if cfg.Reconciler.Interval > 0 && cfg.Reconciler.Lookback <= cfg.Reconciler.Grace {
		missing = append(missing, "Reconciler.Lookback")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] != "" {
			continue
		}
		names = append(names, trimmed)
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
