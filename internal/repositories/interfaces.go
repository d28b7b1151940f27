package repositories

import (
	"context"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders. Implementations must enforce uniqueness of the payment session id
// and the idempotency key, and apply status changes as a compare-and-swap.
type OrderRepository interface {
	// Insert stores a new order, stamping CreatedAt and UpdatedAt when they are zero.
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	// List returns orders newest first. A zero page size returns every matching order.
	List(ctx context.Context, filter domain.OrderListFilter) (domain.OrderPage, error)
	// UpdateStatus moves the order from expected to next only if it is still in expected.
	UpdateStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, now time.Time) (domain.Order, error)
}

// HealthRepository surfaces dependency health for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
