package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/meem-store/checkout-api/internal/domain"
	pfirestore "github.com/meem-store/checkout-api/internal/platform/firestore"
	"github.com/meem-store/checkout-api/internal/platform/pagination"
	"github.com/meem-store/checkout-api/internal/repositories"
)

const (
	ordersCollection           = "orders"
	orderSessionsCollection    = "order_sessions"
	orderIdempotencyCollection = "order_idempotency"
)

// OrderRepository stores orders in Firestore. Uniqueness of the payment session id and the
// idempotency key is enforced by index documents created in the same transaction as the order.
type OrderRepository struct {
	provider    *pfirestore.Provider
	orders      *pfirestore.Collection[orderDocument]
	sessions    *pfirestore.Collection[orderIndexDocument]
	idempotency *pfirestore.Collection[orderIndexDocument]
	clock       func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:    provider,
		orders:      pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		sessions:    pfirestore.NewCollection[orderIndexDocument](provider, orderSessionsCollection),
		idempotency: pfirestore.NewCollection[orderIndexDocument](provider, orderIdempotencyCollection),
		clock:       time.Now,
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		return domain.Order{}, errors.New("order insert: id is required")
	}

	now := r.clock().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	doc := newOrderDocument(order)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.Ref(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		index := orderIndexDocument{OrderID: order.ID, CreatedAt: order.CreatedAt}
		if sid := strings.TrimSpace(order.PaymentSessionID); sid != "" {
			ref, err := r.sessions.Ref(ctx, sid)
			if err != nil {
				return err
			}
			if err := tx.Create(ref, index); err != nil {
				return err
			}
		}
		if key := strings.TrimSpace(order.IdempotencyKey); key != "" {
			ref, err := r.idempotency.Ref(ctx, idempotencyDocID(key))
			if err != nil {
				return err
			}
			if err := tx.Create(ref, index); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.Order{}, repositories.NewOrderError("orders.insert", repositories.OrderErrorConflict,
				fmt.Sprintf("order %s, its payment session or idempotency key already exists", order.ID), err)
		}
		return domain.Order{}, wrapOrderError("orders.insert", err)
	}
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, repositories.NewOrderError("orders.findByID", repositories.OrderErrorNotFound, "order id is required", nil)
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByID", err)
	}
	return doc.Data.toDomain(doc.ID)
}

func (r *OrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Order{}, repositories.NewOrderError("orders.findBySessionID", repositories.OrderErrorNotFound, "session id is required", nil)
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentSessionId", "==", sessionID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findBySessionID", err)
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NewOrderError("orders.findBySessionID", repositories.OrderErrorNotFound,
			fmt.Sprintf("no order for session %s", sessionID), nil)
	}
	return docs[0].Data.toDomain(docs[0].ID)
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	if r == nil || r.idempotency == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Order{}, repositories.NewOrderError("orders.findByIdempotencyKey", repositories.OrderErrorNotFound, "idempotency key is required", nil)
	}
	index, err := r.idempotency.Get(ctx, idempotencyDocID(key))
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByIdempotencyKey", err)
	}
	return r.FindByID(ctx, index.Data.OrderID)
}

func (r *OrderRepository) List(ctx context.Context, filter domain.OrderListFilter) (domain.OrderPage, error) {
	if r == nil || r.orders == nil {
		return domain.OrderPage{}, errors.New("order repository not initialised")
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.OrderPage{}, err
	}
	pageSize := filter.Pagination.PageSize

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.Status != nil {
			q = q.Where("status", "==", string(*filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		if pageSize > 0 {
			q = q.Limit(pageSize + 1)
		}
		return q
	})
	if err != nil {
		return domain.OrderPage{}, wrapOrderError("orders.list", err)
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return domain.OrderPage{}, err
		}
		orders = append(orders, order)
	}

	if pageSize <= 0 || len(orders) <= pageSize {
		return domain.OrderPage{Items: orders}, nil
	}
	orders = orders[:pageSize]
	last := orders[len(orders)-1]
	token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	if err != nil {
		return domain.OrderPage{}, err
	}
	return domain.OrderPage{Items: orders, NextPageToken: token}, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, now time.Time) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	now = now.UTC()

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		current, err := r.orders.GetTx(tx, ref)
		if err != nil {
			if repositories.IsNotFound(err) {
				return repositories.NewOrderError("orders.updateStatus", repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		doc := current.Data
		if domain.OrderStatus(doc.Status) != expected {
			return repositories.NewOrderError("orders.updateStatus", repositories.OrderErrorConflict,
				fmt.Sprintf("order %s is %s, expected %s", orderID, doc.Status, expected), nil)
		}
		if err := tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(next)},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		doc.Status = string(next)
		doc.UpdatedAt = now
		updated, err = doc.toDomain(orderID)
		return err
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.updateStatus", err)
	}
	return updated, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		return orderErr
	}
	wrapped := pfirestore.WrapError(op, err)
	var repoErr repositories.RepositoryError
	if !errors.As(wrapped, &repoErr) {
		return wrapped
	}
	code := repositories.OrderErrorUnknown
	switch {
	case repoErr.IsNotFound():
		code = repositories.OrderErrorNotFound
	case repoErr.IsConflict():
		code = repositories.OrderErrorConflict
	case repoErr.IsUnavailable():
		code = repositories.OrderErrorUnavailable
	}
	return repositories.NewOrderError(op, code, "", wrapped)
}

// Idempotency keys are client supplied and may contain '/', which Firestore forbids in ids.
func idempotencyDocID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type orderIndexDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderDocument struct {
	UserID           string              `firestore:"userId,omitempty"`
	Items            []orderItemDocument `firestore:"items"`
	Address          orderAddressDoc     `firestore:"address"`
	TotalAmount      string              `firestore:"totalAmount,omitempty"`
	TotalMinor       int64               `firestore:"totalMinor"`
	Currency         string              `firestore:"currency"`
	PaymentSessionID string              `firestore:"paymentSessionId"`
	CheckoutURL      string              `firestore:"checkoutUrl,omitempty"`
	IdempotencyKey   string              `firestore:"idempotencyKey,omitempty"`
	Status           string              `firestore:"status"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId,omitempty"`
	Name      string `firestore:"name"`
	Price     string `firestore:"price"`
	Quantity  int    `firestore:"quantity"`
	ImageURL  string `firestore:"imageUrl,omitempty"`
}

type orderAddressDoc struct {
	FullName   string `firestore:"fullName"`
	Phone      string `firestore:"phone"`
	Street     string `firestore:"street"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      item.Name,
			Price:     item.Price.String(),
			Quantity:  item.Quantity,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		}
	}
	doc := orderDocument{
		UserID: strings.TrimSpace(order.UserID),
		Items:  items,
		Address: orderAddressDoc{
			FullName:   order.Address.FullName,
			Phone:      order.Address.Phone,
			Street:     order.Address.Street,
			City:       order.Address.City,
			State:      order.Address.State,
			PostalCode: order.Address.PostalCode,
			Country:    order.Address.Country,
		},
		Currency:         order.Currency,
		PaymentSessionID: strings.TrimSpace(order.PaymentSessionID),
		CheckoutURL:      order.CheckoutURL,
		IdempotencyKey:   strings.TrimSpace(order.IdempotencyKey),
		Status:           string(order.Status),
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
	if order.TotalAmount.Valid {
		doc.TotalAmount = domain.FormatAmount(order.TotalAmount.Decimal)
		doc.TotalMinor = domain.ToMinorUnits(order.TotalAmount.Decimal)
	}
	return doc
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	items := make([]domain.LineItem, len(d.Items))
	for i, item := range d.Items {
		price, err := decimal.NewFromString(item.Price)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item %d price: %w", id, i, err)
		}
		items[i] = domain.LineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     price,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		}
	}
	order := domain.Order{
		ID:     id,
		UserID: d.UserID,
		Items:  items,
		Address: domain.Address{
			FullName:   d.Address.FullName,
			Phone:      d.Address.Phone,
			Street:     d.Address.Street,
			City:       d.Address.City,
			State:      d.Address.State,
			PostalCode: d.Address.PostalCode,
			Country:    d.Address.Country,
		},
		Currency:         d.Currency,
		PaymentSessionID: d.PaymentSessionID,
		CheckoutURL:      d.CheckoutURL,
		IdempotencyKey:   d.IdempotencyKey,
		Status:           domain.OrderStatus(d.Status),
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
	if d.TotalAmount != "" {
		total, err := decimal.NewFromString(d.TotalAmount)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s total: %w", id, err)
		}
		order.TotalAmount = decimal.NewNullDecimal(total)
	}
	return order, nil
}
