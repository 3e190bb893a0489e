package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiendaflow/api/internal/repositories"
)

// PoolConfig controls pgxpool sizing.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE SEQUENCE IF NOT EXISTS order_number_seq START WITH 1000;

CREATE TABLE IF NOT EXISTS orders (
  id                    text PRIMARY KEY,
  order_number          text NOT NULL UNIQUE,
  status                text NOT NULL,
  payment_status        text NOT NULL,
  payment_id            text NOT NULL DEFAULT '',
  payment_status_detail text NOT NULL DEFAULT '',
  currency              text NOT NULL,
  total_amount          numeric(12,2) NOT NULL,
  buyer_name            text NOT NULL DEFAULT '',
  buyer_email           text NOT NULL DEFAULT '',
  buyer_phone           text NOT NULL DEFAULT '',
  notes                 text NOT NULL DEFAULT '',
  created_at            timestamptz NOT NULL,
  updated_at            timestamptz NOT NULL,
  shipped_at            timestamptz,
  delivered_at          timestamptz,
  last_reconciled_at    timestamptz
);

CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status, payment_status);

CREATE TABLE IF NOT EXISTS order_items (
  order_id    text NOT NULL REFERENCES orders(id),
  position    integer NOT NULL,
  product_ref text NOT NULL,
  name        text NOT NULL,
  quantity    integer NOT NULL CHECK (quantity > 0),
  unit_price  numeric(12,2) NOT NULL,
  PRIMARY KEY (order_id, position)
);

CREATE TABLE IF NOT EXISTS order_audit_log (
  id                 text PRIMARY KEY,
  order_id           text NOT NULL REFERENCES orders(id),
  actor              text NOT NULL,
  action             text NOT NULL,
  old_status         text NOT NULL DEFAULT '',
  new_status         text NOT NULL DEFAULT '',
  old_payment_status text NOT NULL DEFAULT '',
  new_payment_status text NOT NULL DEFAULT '',
  metadata           jsonb,
  created_at         timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS order_audit_log_order_idx ON order_audit_log (order_id, created_at DESC);
`

// EnsureSchema creates the tables, indexes and sequences used by the repositories when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return wrapError("ensure schema", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// UnitOfWork runs repository calls inside one pgx transaction carried through the context.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

var _ repositories.UnitOfWork = (*UnitOfWork)(nil)

// NewUnitOfWork constructs a transactional boundary over the pool.
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

// RunInTx executes fn inside a transaction. Nested calls join the outer transaction.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return wrapError("begin tx", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapError("commit tx", err)
	}
	return nil
}

func querierFrom(ctx context.Context, pool *pgxpool.Pool) (querier, bool) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx, true
	}
	return pool, false
}
