package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/repositories"
)

const orderColumns = `id, order_number, status, payment_status, payment_id, payment_status_detail,
  currency, total_amount::text, buyer_name, buyer_email, buyer_phone, notes,
  created_at, updated_at, shipped_at, delivered_at, last_reconciled_at`

// OrderRepository persists orders in Postgres.
type OrderRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an order repository over the pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// NextOrderNumber draws the next value from order_number_seq.
func (r *OrderRepository) NextOrderNumber(ctx context.Context) (int64, error) {
	q, _ := querierFrom(ctx, r.pool)
	var next int64
	if err := q.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&next); err != nil {
		return 0, wrapError("order number", err)
	}
	return next, nil
}

// Insert writes the order header and its items.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q, _ := querierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `INSERT INTO orders (
  id, order_number, status, payment_status, payment_id, payment_status_detail,
  currency, total_amount, buyer_name, buyer_email, buyer_phone, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14)`,
		order.ID, order.OrderNumber, string(order.Status), string(order.PaymentStatus), order.PaymentID,
		order.PaymentStatusDetail, order.Currency, order.TotalAmount.StringFixed(2), order.Buyer.Name,
		order.Buyer.Email, order.Buyer.Phone, order.Notes, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return wrapError("insert order", err)
	}

	batch := &pgx.Batch{}
	for i, item := range order.Items {
		batch.Queue(`INSERT INTO order_items (order_id, position, product_ref, name, quantity, unit_price)
VALUES ($1, $2, $3, $4, $5, $6::numeric)`,
			order.ID, i, item.ProductRef, item.Name, item.Quantity, item.UnitPrice.StringFixed(2))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := sendBatch(ctx, q, batch); err != nil {
		return wrapError("insert order items", err)
	}
	return nil
}

// FindByID loads an order by internal id. Inside a transaction the row is locked for update.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "id", orderID)
}

// FindByNumber loads an order by its external reference.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.findOne(ctx, "order_number", orderNumber)
}

func (r *OrderRepository) findOne(ctx context.Context, column, value string) (domain.Order, error) {
	q, inTx := querierFrom(ctx, r.pool)
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = $1`
	if inTx {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, notFound("find order", fmt.Errorf("order %s=%s not found", column, value))
		}
		return domain.Order{}, wrapError("find order", err)
	}
	items, err := r.loadItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// List returns a page of orders newest first along with the total number of matches.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, int, error) {
	q, _ := querierFrom(ctx, r.pool)

	where, args := buildOrderFilter(filter)

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, wrapError("count orders", err)
	}
	if total == 0 {
		return []domain.Order{}, 0, nil
	}

	limit := filter.Pagination.Limit
	if limit <= 0 {
		limit = 20
	}
	pageArgs := append(append([]any(nil), args...), limit, filter.Pagination.Offset())
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, len(args)+1, len(args)+2)

	rows, err := q.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, wrapError("list orders", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, wrapError("scan order", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapError("list orders", err)
	}

	items, err := r.loadItems(ctx, q, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, total, nil
}

// UpdateStatus sets the status and stamps shipped/delivered timestamps only when they are still empty.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	q, _ := querierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE orders SET
  status = $2,
  shipped_at = COALESCE(shipped_at, $3),
  delivered_at = COALESCE(delivered_at, $4),
  updated_at = $5
WHERE id = $1`,
		update.OrderID, string(update.Status), update.ShippedAt, update.DeliveredAt, update.UpdatedAt)
	if err != nil {
		return domain.Order{}, wrapError("update order status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Order{}, notFound("update order status", fmt.Errorf("order %s not found", update.OrderID))
	}
	return r.FindByID(ctx, update.OrderID)
}

// ApplyReconciliation writes status and payment status in one statement guarded by last_reconciled_at.
func (r *OrderRepository) ApplyReconciliation(ctx context.Context, update repositories.PaymentReconciliation) (domain.Order, bool, error) {
	q, _ := querierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE orders SET
  status = $2,
  payment_status = $3,
  payment_id = $4,
  payment_status_detail = $5,
  last_reconciled_at = COALESCE($6, last_reconciled_at),
  updated_at = $7
WHERE order_number = $1
  AND ($6::timestamptz IS NULL OR last_reconciled_at IS NULL OR last_reconciled_at < $6)`,
		update.OrderNumber, string(update.Status), string(update.PaymentStatus), update.PaymentID,
		update.StatusDetail, update.ReconciledAt, update.UpdatedAt)
	if err != nil {
		return domain.Order{}, false, wrapError("apply reconciliation", err)
	}

	order, err := r.FindByNumber(ctx, update.OrderNumber)
	if err != nil {
		return domain.Order{}, false, err
	}
	return order, tag.RowsAffected() > 0, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, q querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	out := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `SELECT order_id, product_ref, name, quantity, unit_price::text
FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, wrapError("load order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
			price   string
		)
		if err := rows.Scan(&orderID, &item.ProductRef, &item.Name, &item.Quantity, &price); err != nil {
			return nil, wrapError("scan order item", err)
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, wrapError("parse unit price", err)
		}
		out[orderID] = append(out[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("load order items", err)
	}
	return out, nil
}

func buildOrderFilter(filter repositories.OrderListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PaymentStatus != nil {
		args = append(args, string(*filter.PaymentStatus))
		clauses = append(clauses, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(order_number ILIKE $%d OR buyer_name ILIKE $%d OR buyer_email ILIKE $%d)", n, n, n))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order         domain.Order
		status        string
		paymentStatus string
		total         string
		shippedAt     *time.Time
		deliveredAt   *time.Time
		reconciledAt  *time.Time
	)
	err := row.Scan(&order.ID, &order.OrderNumber, &status, &paymentStatus, &order.PaymentID,
		&order.PaymentStatusDetail, &order.Currency, &total, &order.Buyer.Name, &order.Buyer.Email,
		&order.Buyer.Phone, &order.Notes, &order.CreatedAt, &order.UpdatedAt, &shippedAt, &deliveredAt, &reconciledAt)
	if err != nil {
		return domain.Order{}, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse total amount: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.TotalAmount = amount
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.ShippedAt = utcPointer(shippedAt)
	order.DeliveredAt = utcPointer(deliveredAt)
	order.LastReconciledAt = utcPointer(reconciledAt)
	return order, nil
}

func utcPointer(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func sendBatch(ctx context.Context, q querier, batch *pgx.Batch) error {
	sender, ok := q.(batchSender)
	if !ok {
		return errors.New("postgres: querier does not support batches")
	}
	results := sender.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}
