package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository is every persistence operation the store needs. Methods that
// take a Tx run inside it and expect the caller to hold the row locks.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	ProductRepository
	SaleRepository
	OrderRepository
	ExpenseRepository
	UserRepository
	ReportRepository
}

// ProductRepository covers the catalog.
type ProductRepository interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	CreateProduct(ctx context.Context, product *Product) error
	UpdateProduct(ctx context.Context, tx Tx, product *Product) error
	DeleteProduct(ctx context.Context, productID string) error
	ProductHasSales(ctx context.Context, productID string) (bool, error)

	// GetProductForUpdate locks the product row until the tx ends.
	GetProductForUpdate(ctx context.Context, tx Tx, productID string) (*Product, error)
	SaveStock(ctx context.Context, tx Tx, product *Product) error
}

// SaleRepository covers sales (ventas).
type SaleRepository interface {
	CreateSale(ctx context.Context, tx Tx, sale *Sale) error
	GetSale(ctx context.Context, saleID string) (*Sale, error)
	GetSaleForUpdate(ctx context.Context, tx Tx, saleID string) (*Sale, error)
	SaveSaleArchived(ctx context.Context, tx Tx, sale *Sale) error
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)
	SalesExistForOrder(ctx context.Context, tx Tx, orderID string) (bool, error)
}

// Tx is an open database transaction
type Tx interface {
	Commit() error
	Rollback() error
}

// ProductFilter narrows catalog listings.
type ProductFilter struct {
	Category string
	Size     string
	Status   string
	Query    string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Limit    int
	Offset   int
}

// SaleFilter narrows sale listings.
type SaleFilter struct {
	CustomerID      string
	ProductID       string
	IncludeArchived bool
	Limit           int
	Offset          int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// PostgresRepository implements Repository on PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) Repository {
	return &PostgresRepository{
		db: db,
	}
}

// PostgresTx wraps a pgx transaction
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// BeginTx starts a new transaction.
func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PostgresTx{tx: tx}, nil
}

func pgTx(tx Tx) pgx.Tx {
	return tx.(*PostgresTx).tx
}

// isUUID guards lookups so a malformed id reads as "not found" instead of a
// postgres cast error.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const productColumns = `id, name, description, category, size, condition, image_url,
	price, currency, stock, status, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Category, &p.Size, &p.Condition, &p.ImageURL,
		&p.Price, &p.Currency, &p.Stock, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProduct fetches a product without locking it.
func (r *PostgresRepository) GetProduct(ctx context.Context, productID string) (*Product, error) {
	if !isUUID(productID) {
		return nil, ErrProductNotFound
	}
	return scanProduct(r.db.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
}

// ListProducts returns products newest first.
func (r *PostgresRepository) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.Size != "" {
		add("size = $%d", filter.Size)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Query != "" {
		add("name ILIKE $%d", "%"+filter.Query+"%")
	}
	if filter.MinPrice != nil {
		add("price >= $%d", *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		add("price <= $%d", *filter.MaxPrice)
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// CreateProduct inserts a new product.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *Product) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO products (id, name, description, category, size, condition, image_url,
			price, currency, stock, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.Name, p.Description, p.Category, p.Size, p.Condition, p.ImageURL,
		p.Price, p.Currency, p.Stock, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProduct overwrites the editable fields of a locked product.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, tx Tx, p *Product) error {
	tag, err := pgTx(tx).Exec(ctx, `
		UPDATE products
		SET name = $2, description = $3, category = $4, size = $5, condition = $6,
		    image_url = $7, price = $8, currency = $9, stock = $10, status = $11,
		    updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Name, p.Description, p.Category, p.Size, p.Condition,
		p.ImageURL, p.Price, p.Currency, p.Stock, p.Status)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// DeleteProduct removes a product row.
func (r *PostgresRepository) DeleteProduct(ctx context.Context, productID string) error {
	if !isUUID(productID) {
		return ErrProductNotFound
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM products WHERE id = $1`, productID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrProductHasSales
		}
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// ProductHasSales reports whether any sale references the product.
func (r *PostgresRepository) ProductHasSales(ctx context.Context, productID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM sales WHERE product_id = $1)", productID).Scan(&exists)
	return exists, err
}

// GetProductForUpdate reads the product with a pessimistic lock (FOR UPDATE)
func (r *PostgresRepository) GetProductForUpdate(ctx context.Context, tx Tx, productID string) (*Product, error) {
	if !isUUID(productID) {
		return nil, ErrProductNotFound
	}
	p, err := scanProduct(pgTx(tx).QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get product with lock: %w", err)
	}
	return p, err
}

// SaveStock persists the stock and status of a locked product.
func (r *PostgresRepository) SaveStock(ctx context.Context, tx Tx, p *Product) error {
	_, err := pgTx(tx).Exec(ctx, `
		UPDATE products
		SET stock = $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Stock, p.Status)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	return nil
}

const saleColumns = `id, customer_id, product_id, COALESCE(order_id::text, ''), quantity, unit_price,
	total, currency, payment_method, archived, archived_at, created_at`

func scanSale(row pgx.Row) (*Sale, error) {
	var s Sale
	err := row.Scan(
		&s.ID, &s.CustomerID, &s.ProductID, &s.OrderID, &s.Quantity, &s.UnitPrice,
		&s.Total, &s.Currency, &s.PaymentMethod, &s.Archived, &s.ArchivedAt, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSaleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSale inserts a sale inside the caller's transaction.
func (r *PostgresRepository) CreateSale(ctx context.Context, tx Tx, s *Sale) error {
	var orderID *string
	if s.OrderID != "" {
		orderID = &s.OrderID
	}
	_, err := pgTx(tx).Exec(ctx, `
		INSERT INTO sales (id, customer_id, product_id, order_id, quantity, unit_price,
			total, currency, payment_method, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
	`, s.ID, s.CustomerID, s.ProductID, orderID, s.Quantity, s.UnitPrice,
		s.Total, s.Currency, s.PaymentMethod, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	return nil
}

// GetSale fetches a sale by id.
func (r *PostgresRepository) GetSale(ctx context.Context, saleID string) (*Sale, error) {
	if !isUUID(saleID) {
		return nil, ErrSaleNotFound
	}
	return scanSale(r.db.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, saleID))
}

// GetSaleForUpdate locks the sale row until the tx ends.
func (r *PostgresRepository) GetSaleForUpdate(ctx context.Context, tx Tx, saleID string) (*Sale, error) {
	if !isUUID(saleID) {
		return nil, ErrSaleNotFound
	}
	return scanSale(pgTx(tx).QueryRow(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, saleID))
}

// SaveSaleArchived persists the archived flag of a locked sale.
func (r *PostgresRepository) SaveSaleArchived(ctx context.Context, tx Tx, s *Sale) error {
	_, err := pgTx(tx).Exec(ctx, `
		UPDATE sales SET archived = $2, archived_at = $3 WHERE id = $1
	`, s.ID, s.Archived, s.ArchivedAt)
	if err != nil {
		return fmt.Errorf("failed to archive sale: %w", err)
	}
	return nil
}

// ListSales returns sales newest first.
func (r *PostgresRepository) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeArchived {
		where = append(where, "archived = FALSE")
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		where = append(where, fmt.Sprintf("product_id = $%d", len(args)))
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	sales := make([]Sale, 0)
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *s)
	}
	return sales, rows.Err()
}

// SalesExistForOrder reports whether an order already produced sales
func (r *PostgresRepository) SalesExistForOrder(ctx context.Context, tx Tx, orderID string) (bool, error) {
	var exists bool
	err := pgTx(tx).QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM sales WHERE order_id = $1)", orderID).Scan(&exists)
	return exists, err
}
