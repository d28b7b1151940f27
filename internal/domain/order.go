package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusCreated is assigned when checkout obtains a payment session.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusFulfilled marks an order as shipped or otherwise completed by an operator.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusCancelled marks an order as abandoned by an operator.
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {OrderStatusFulfilled, OrderStatusCancelled},
}

// ParseOrderStatus normalises the raw value and reports whether it names a known status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case OrderStatusCreated, OrderStatusFulfilled, OrderStatusCancelled:
		return status, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transitions are allowed from the status.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// CanTransitionTo reports whether next is a valid successor of s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, candidate := range orderTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// LineItem snapshots a purchased product at checkout time. It never references live catalog state.
type LineItem struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	ImageURL  string
}

// LineTotal returns price x quantity rounded with the order rounding rule.
func (i LineItem) LineTotal() decimal.Decimal {
	return FromMinor(LineTotalMinor(i.Price, i.Quantity))
}

// Address is the shipping address embedded in an order.
type Address struct {
	FullName   string
	Phone      string
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Order is the ledger record of a checkout attempt. Orders are never deleted; only Status and
// UpdatedAt change after creation.
type Order struct {
	ID               string
	UserID           string
	Items            []LineItem
	Address          Address
	TotalAmount      decimal.NullDecimal
	Currency         string
	PaymentSessionID string
	CheckoutURL      string
	IdempotencyKey   string
	Status           OrderStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Total returns the stored total, recomputing it from the items when none was recorded.
func (o Order) Total() decimal.Decimal {
	if o.TotalAmount.Valid {
		return o.TotalAmount.Decimal
	}
	return OrderTotal(o.Items)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Status     *OrderStatus
	Pagination Pagination
}

// OrderPage is a page of orders sorted newest first.
type OrderPage struct {
	Items         []Order
	NextPageToken string
}
