package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/platform/config"
	pfirestore "github.com/meem-store/checkout-api/internal/platform/firestore"
	"github.com/meem-store/checkout-api/internal/platform/secrets"
	"github.com/meem-store/checkout-api/internal/repositories"
	firestoreRepo "github.com/meem-store/checkout-api/internal/repositories/firestore"
	memoryRepo "github.com/meem-store/checkout-api/internal/repositories/memory"
	postgresRepo "github.com/meem-store/checkout-api/internal/repositories/postgres"
	"github.com/meem-store/checkout-api/internal/services"
)

// orderStore bundles the configured order repository with its readiness probe and shutdown hook.
type orderStore struct {
	orders repositories.OrderRepository
	ping   func(ctx context.Context) error
	close  func(ctx context.Context) error
	// firestore is set only for the firestore driver; the idempotency store shares the client.
	firestore *firestore.Client
}

func openOrderStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (orderStore, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		client, err := provider.Client(ctx)
		if err != nil {
			return orderStore{}, fmt.Errorf("firestore client: %w", err)
		}
		repo, err := firestoreRepo.NewOrderRepository(provider)
		if err != nil {
			return orderStore{}, err
		}
		return orderStore{
			orders:    repo,
			ping:      provider.Ping,
			close:     provider.Close,
			firestore: client,
		}, nil

	case config.StoreDriverPostgres:
		if cfg.Postgres.RunMigrations {
			if err := postgresRepo.RunMigrations(cfg.Postgres.DSN, logger); err != nil {
				return orderStore{}, err
			}
		}
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Postgres.ConnectTimeout)
		defer cancel()
		pool, err := postgresRepo.NewPool(connectCtx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return orderStore{}, err
		}
		repo, err := postgresRepo.NewOrderRepository(pool)
		if err != nil {
			pool.Close()
			return orderStore{}, err
		}
		return orderStore{
			orders: repo,
			ping:   pool.Ping,
			close: func(context.Context) error {
				pool.Close()
				return nil
			},
		}, nil

	case config.StoreDriverMemory:
		logger.Warn("orders are kept in memory and will be lost on restart")
		return orderStore{
			orders: memoryRepo.NewOrderRepository(),
			ping:   func(context.Context) error { return nil },
			close:  func(context.Context) error { return nil },
		}, nil
	}
	return orderStore{}, fmt.Errorf("unsupported order store driver %q", cfg.Store.Driver)
}

func newSystemService(store orderStore, manager *payments.Manager, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if store.ping != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "orders",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Check:    store.ping,
		})
	}
	if manager != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "stripe",
			Timeout: 3 * time.Second,
			Check: func(ctx context.Context) error {
				_, err := manager.ListCheckoutSessions(ctx, payments.PaymentContext{}, payments.SessionListRequest{Limit: 1})
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		CacheFor:         5 * time.Second,
	})
}
