package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OrderRepository covers checkout orders and their reserved lines.
type OrderRepository interface {
	CreateOrder(ctx context.Context, tx Tx, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error)
	SaveOrderStatus(ctx context.Context, tx Tx, order *Order) error
	SetOrderPreference(ctx context.Context, orderID, preferenceID string) error
	ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

const orderColumns = `id, customer_id, email, status, subtotal, shipping, total, currency,
	COALESCE(preference_id, ''), COALESCE(payment_id, ''), expires_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.Email, &o.Status, &o.Subtotal, &o.Shipping, &o.Total, &o.Currency,
		&o.PreferenceID, &o.PaymentID, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOrderLines(ctx context.Context, q querier, order *Order) error {
	rows, err := q.Query(ctx, `
		SELECT product_id, name, quantity, unit_price
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position
	`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order lines: %w", err)
	}
	defer rows.Close()

	order.Lines = order.Lines[:0]
	for rows.Next() {
		var line OrderLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice); err != nil {
			return err
		}
		order.Lines = append(order.Lines, line)
	}
	return rows.Err()
}

// CreateOrder inserts the order and its lines inside the caller's tx.
func (r *PostgresRepository) CreateOrder(ctx context.Context, tx Tx, o *Order) error {
	t := pgTx(tx)

	_, err := t.Exec(ctx, `
		INSERT INTO orders (id, customer_id, email, status, subtotal, shipping, total, currency,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.CustomerID, o.Email, o.Status, o.Subtotal, o.Shipping, o.Total, o.Currency,
		o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, line := range o.Lines {
		batch.Queue(`
			INSERT INTO order_lines (order_id, position, product_id, name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, o.ID, i, line.ProductID, line.Name, line.Quantity, line.UnitPrice)
	}
	if err := t.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert order lines: %w", err)
	}
	return nil
}

// GetOrder fetches an order with its lines.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if !isUUID(orderID) {
		return nil, ErrOrderNotFound
	}
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return nil, err
	}
	if err := loadOrderLines(ctx, r.db, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderForUpdate locks the order row and loads its lines.
func (r *PostgresRepository) GetOrderForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error) {
	if !isUUID(orderID) {
		return nil, ErrOrderNotFound
	}
	t := pgTx(tx)
	order, err := scanOrder(t.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, err
	}
	if err := loadOrderLines(ctx, t, order); err != nil {
		return nil, err
	}
	return order, nil
}

// SaveOrderStatus persists status and payment id of a locked order.
func (r *PostgresRepository) SaveOrderStatus(ctx context.Context, tx Tx, o *Order) error {
	var paymentID *string
	if o.PaymentID != "" {
		paymentID = &o.PaymentID
	}
	_, err := pgTx(tx).Exec(ctx, `
		UPDATE orders
		SET status = $2, payment_id = COALESCE($3, payment_id), updated_at = NOW()
		WHERE id = $1
	`, o.ID, o.Status, paymentID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// SetOrderPreference records the payment preference created for an order.
func (r *PostgresRepository) SetOrderPreference(ctx context.Context, orderID, preferenceID string) error {
	if !isUUID(orderID) {
		return ErrOrderNotFound
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE orders SET preference_id = $2, updated_at = NOW() WHERE id = $1
	`, orderID, preferenceID)
	if err != nil {
		return fmt.Errorf("failed to set order preference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListExpiredOrderIDs returns pending orders whose reservation ran out.
func (r *PostgresRepository) ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`, OrderStatusPending, now, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired orders: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
