package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/repositories"
)

// AuditLogRepository appends rows to order_audit_log.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs the audit repository.
func NewAuditLogRepository(pool *pgxpool.Pool) *AuditLogRepository {
	return &AuditLogRepository{pool: pool}
}

// Append inserts one audit entry, joining the caller's transaction when present.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.OrderAuditEntry) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = encoded
	}

	q, _ := querierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `INSERT INTO order_audit_log (
  id, order_id, actor, action, old_status, new_status, old_payment_status, new_payment_status, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.OrderID, entry.Actor, entry.Action, string(entry.OldStatus), string(entry.NewStatus),
		string(entry.OldPaymentStatus), string(entry.NewPaymentStatus), metadata, entry.CreatedAt)
	return wrapError("append audit entry", err)
}

// ListByOrder returns the newest entries for an order.
func (r *AuditLogRepository) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.OrderAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q, _ := querierFrom(ctx, r.pool)
	rows, err := q.Query(ctx, `SELECT id, order_id, actor, action, old_status, new_status,
  old_payment_status, new_payment_status, metadata, created_at
FROM order_audit_log WHERE order_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, orderID, limit)
	if err != nil {
		return nil, wrapError("list audit entries", err)
	}
	defer rows.Close()

	var entries []domain.OrderAuditEntry
	for rows.Next() {
		var entry domain.OrderAuditEntry
		var oldStatus, newStatus, oldPay, newPay string
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.Actor, &entry.Action, &oldStatus, &newStatus,
			&oldPay, &newPay, &metadata, &entry.CreatedAt); err != nil {
			return nil, wrapError("scan audit entry", err)
		}
		entry.OldStatus = domain.OrderStatus(oldStatus)
		entry.NewStatus = domain.OrderStatus(newStatus)
		entry.OldPaymentStatus = domain.PaymentStatus(oldPay)
		entry.NewPaymentStatus = domain.PaymentStatus(newPay)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, wrapError("list audit entries", rows.Err())
}
