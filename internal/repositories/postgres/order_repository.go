package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/platform/pagination"
	"github.com/meem-store/checkout-api/internal/repositories"
)

const uniqueViolation = "23505"

const orderColumns = `id, COALESCE(user_id, ''), items, address, COALESCE(total_amount::text, ''), currency,
	COALESCE(payment_session_id, ''), COALESCE(checkout_url, ''), COALESCE(idempotency_key, ''), status, created_at, updated_at`

// DBPool matches the methods from *pgxpool.Pool that the repository uses.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// OrderRepository stores orders in a single Postgres table. Uniqueness and the status
// compare-and-swap are enforced by the database.
type OrderRepository struct {
	pool  DBPool
	clock func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(pool DBPool) (*OrderRepository, error) {
	if pool == nil {
		return nil, errors.New("order repository requires postgres pool")
	}
	return &OrderRepository{pool: pool, clock: time.Now}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
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
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	items, err := json.Marshal(newItemRecords(order.Items))
	if err != nil {
		return domain.Order{}, fmt.Errorf("encode order items: %w", err)
	}
	address, err := json.Marshal(newAddressRecord(order.Address))
	if err != nil {
		return domain.Order{}, fmt.Errorf("encode order address: %w", err)
	}
	var total *string
	if order.TotalAmount.Valid {
		value := domain.FormatAmount(order.TotalAmount.Decimal)
		total = &value
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, items, address, total_amount, currency, payment_session_id,
			checkout_url, idempotency_key, status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5::numeric, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)`,
		order.ID, order.UserID, items, address, total, order.Currency, order.PaymentSessionID,
		order.CheckoutURL, order.IdempotencyKey, string(order.Status), order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, classify("orders.insert", err)
	}
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findByID", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, strings.TrimSpace(orderID))
}

func (r *OrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findBySessionID", `SELECT `+orderColumns+` FROM orders WHERE payment_session_id = $1`, strings.TrimSpace(sessionID))
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findByIdempotencyKey", `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, strings.TrimSpace(key))
}

func (r *OrderRepository) findOne(ctx context.Context, op, query string, arg string) (domain.Order, error) {
	if arg == "" {
		return domain.Order{}, repositories.NewOrderError(op, repositories.OrderErrorNotFound, "lookup value is required", nil)
	}
	order, err := scanOrder(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return domain.Order{}, classify(op, err)
	}
	return order, nil
}

func (r *OrderRepository) List(ctx context.Context, filter domain.OrderListFilter) (domain.OrderPage, error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.OrderPage{}, err
	}
	pageSize := filter.Pagination.PageSize

	var (
		conditions []string
		args       []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, "status = $"+strconv.Itoa(len(args)))
	}
	if !cursor.IsZero() {
		args = append(args, cursor.CreatedAt.UTC(), cursor.ID)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if pageSize > 0 {
		args = append(args, pageSize+1)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.OrderPage{}, classify("orders.list", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.OrderPage{}, classify("orders.list", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderPage{}, classify("orders.list", err)
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
	orderID = strings.TrimSpace(orderID)
	order, err := scanOrder(r.pool.QueryRow(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		orderID, string(expected), string(next), now.UTC(),
	))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, classify("orders.updateStatus", err)
	}

	var current string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current); err != nil {
		return domain.Order{}, classify("orders.updateStatus", err)
	}
	return domain.Order{}, repositories.NewOrderError("orders.updateStatus", repositories.OrderErrorConflict,
		fmt.Sprintf("order %s is %s, expected %s", orderID, current, expected), nil)
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewOrderError(op, repositories.OrderErrorNotFound, "order not found", nil)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repositories.NewOrderError(op, repositories.OrderErrorConflict, "order, payment session or idempotency key already exists", err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return repositories.NewOrderError(op, repositories.OrderErrorUnavailable, "postgres unavailable", err)
	}
	return repositories.NewOrderError(op, repositories.OrderErrorUnknown, "", err)
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order   domain.Order
		items   []byte
		address []byte
		total   string
		status  string
	)
	if err := row.Scan(&order.ID, &order.UserID, &items, &address, &total, &order.Currency,
		&order.PaymentSessionID, &order.CheckoutURL, &order.IdempotencyKey, &status,
		&order.CreatedAt, &order.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	var itemRecords []itemRecord
	if err := json.Unmarshal(items, &itemRecords); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s items: %w", order.ID, err)
	}
	order.Items = make([]domain.LineItem, len(itemRecords))
	for i, rec := range itemRecords {
		order.Items[i] = domain.LineItem{
			ProductID: rec.ProductID,
			Name:      rec.Name,
			Price:     rec.Price,
			Quantity:  rec.Quantity,
			ImageURL:  rec.ImageURL,
		}
	}

	var addr addressRecord
	if err := json.Unmarshal(address, &addr); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s address: %w", order.ID, err)
	}
	order.Address = domain.Address(addr)

	if total != "" {
		value, err := decimal.NewFromString(total)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s total: %w", order.ID, err)
		}
		order.TotalAmount = decimal.NewNullDecimal(value)
	}
	return order, nil
}

// itemRecord is the JSONB shape of a line item. Prices are stored as JSON strings.
type itemRecord struct {
	ProductID string          `json:"productId,omitempty"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	ImageURL  string          `json:"imageUrl,omitempty"`
}

type addressRecord struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

func newItemRecords(items []domain.LineItem) []itemRecord {
	out := make([]itemRecord, len(items))
	for i, item := range items {
		out[i] = itemRecord{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		}
	}
	return out
}

func newAddressRecord(addr domain.Address) addressRecord {
	return addressRecord(addr)
}
