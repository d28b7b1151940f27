package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/platform/pagination"
	"github.com/meem-store/checkout-api/internal/repositories"
)

const (
	msgOrderIDRequired = "Order ID is required."
	msgStatusRequired  = "Status is required."
	msgOrderNotFound   = "Order not found."
	msgInvalidToken    = "Invalid page token."
)

// OrderServiceDeps wires the dependencies required by the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, newValidationError(msgOrderIDRequired, "id")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, msgOrderNotFound)
	}
	return order, nil
}

// ListOrders returns orders newest first. A zero page size returns every matching order.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (OrderPage, error) {
	if filter.Pagination.PageSize < 0 {
		return OrderPage{}, newValidationError("pageSize must not be negative.", "pageSize")
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return OrderPage{}, newValidationError(msgInvalidToken, "pageToken")
		}
		return OrderPage{}, mapRepositoryError(err, msgOrderNotFound)
	}
	if page.Items == nil {
		page.Items = []Order{}
	}
	return page, nil
}

// TransitionStatus moves an order along created -> fulfilled|cancelled. The store applies the
// change only if the status read here is still current, so concurrent requests cannot both win.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, newValidationError(msgOrderIDRequired, "id")
	}
	if strings.TrimSpace(cmd.TargetStatus) == "" {
		return Order{}, newValidationError(msgStatusRequired, "status")
	}
	target, ok := domain.ParseOrderStatus(cmd.TargetStatus)
	if !ok {
		return Order{}, newValidationError(
			fmt.Sprintf("Unsupported status %q. Allowed values: fulfilled, cancelled.", strings.TrimSpace(cmd.TargetStatus)),
			"status",
		)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, msgOrderNotFound)
	}
	if !order.Status.CanTransitionTo(target) {
		return Order{}, newServiceError(ErrConflict,
			fmt.Sprintf("Order is %s and cannot be changed to %s.", order.Status, target), nil)
	}

	updated, err := s.orders.UpdateStatus(ctx, orderID, order.Status, target, s.clock())
	if err != nil {
		if repositories.IsConflict(err) {
			return Order{}, newServiceError(ErrConflict, "Order status was changed by another request.", err)
		}
		return Order{}, mapRepositoryError(err, msgOrderNotFound)
	}

	s.logger(ctx, "orders.status_changed", map[string]any{
		"orderID": updated.ID,
		"from":    string(order.Status),
		"to":      string(updated.Status),
	})
	return updated, nil
}
