package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/platform/pagination"
	"github.com/meem-store/checkout-api/internal/repositories"
)

// OrderRepository keeps orders in process memory. It is intended for local development and tests.
type OrderRepository struct {
	mu            sync.RWMutex
	orders        map[string]domain.Order
	bySession     map[string]string
	byIdempotency map[string]string
	clock         func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Option customises the in-memory repository.
type Option func(*OrderRepository)

// WithClock overrides the timestamp source used when inserting orders.
func WithClock(clock func() time.Time) Option {
	return func(r *OrderRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewOrderRepository constructs an empty repository.
func NewOrderRepository(opts ...Option) *OrderRepository {
	repo := &OrderRepository{
		orders:        make(map[string]domain.Order),
		bySession:     make(map[string]string),
		byIdempotency: make(map[string]string),
		clock:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return domain.Order{}, errors.New("memory order insert: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[id]; exists {
		return domain.Order{}, repositories.NewOrderError("orders.insert", repositories.OrderErrorConflict, fmt.Sprintf("order %s already exists", id), nil)
	}
	if sid := order.PaymentSessionID; sid != "" {
		if _, exists := r.bySession[sid]; exists {
			return domain.Order{}, repositories.NewOrderError("orders.insert", repositories.OrderErrorConflict, fmt.Sprintf("payment session %s already recorded", sid), nil)
		}
	}
	if key := order.IdempotencyKey; key != "" {
		if _, exists := r.byIdempotency[key]; exists {
			return domain.Order{}, repositories.NewOrderError("orders.insert", repositories.OrderErrorConflict, "idempotency key already used", nil)
		}
	}

	now := r.clock().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.ID = id
	stored := cloneOrder(order)
	r.orders[id] = stored
	if stored.PaymentSessionID != "" {
		r.bySession[stored.PaymentSessionID] = id
	}
	if stored.IdempotencyKey != "" {
		r.byIdempotency[stored.IdempotencyKey] = id
	}
	return cloneOrder(stored), nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.findByID", orderID)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	return r.findByIndex(ctx, "orders.findBySessionID", func() (string, bool) {
		id, ok := r.bySession[strings.TrimSpace(sessionID)]
		return id, ok
	})
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	return r.findByIndex(ctx, "orders.findByIdempotencyKey", func() (string, bool) {
		id, ok := r.byIdempotency[strings.TrimSpace(key)]
		return id, ok
	})
}

func (r *OrderRepository) findByIndex(ctx context.Context, op string, lookup func() (string, bool)) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := lookup()
	if !ok {
		return domain.Order{}, repositories.NewOrderError(op, repositories.OrderErrorNotFound, "order not found", nil)
	}
	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, notFound(op, id)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) List(ctx context.Context, filter domain.OrderListFilter) (domain.OrderPage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderPage{}, err
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.OrderPage{}, err
	}

	r.mu.RLock()
	matched := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		if !cursor.After(order.CreatedAt, order.ID) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 || len(matched) <= pageSize {
		return domain.OrderPage{Items: matched}, nil
	}

	items := matched[:pageSize]
	last := items[len(items)-1]
	token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	if err != nil {
		return domain.OrderPage{}, err
	}
	return domain.OrderPage{Items: items, NextPageToken: token}, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, now time.Time) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strings.TrimSpace(orderID)
	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, notFound("orders.updateStatus", id)
	}
	if order.Status != expected {
		return domain.Order{}, repositories.NewOrderError("orders.updateStatus", repositories.OrderErrorConflict,
			fmt.Sprintf("order %s is %s, expected %s", id, order.Status, expected), nil)
	}
	order.Status = next
	order.UpdatedAt = now.UTC()
	r.orders[id] = order
	return cloneOrder(order), nil
}

func notFound(op, id string) error {
	return repositories.NewOrderError(op, repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", strings.TrimSpace(id)), nil)
}

func cloneOrder(order domain.Order) domain.Order {
	if order.Items != nil {
		items := make([]domain.LineItem, len(order.Items))
		copy(items, order.Items)
		order.Items = items
	}
	return order
}
