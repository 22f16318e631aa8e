package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProductInput is the editable part of a product.
type ProductInput struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Size        string          `json:"size"`
	Condition   string          `json:"condition"`
	ImageURL    string          `json:"image_url"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Stock       int             `json:"stock"`
	Status      string          `json:"status"`
}

func (in ProductInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !in.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if in.Stock < 0 {
		return fmt.Errorf("%w: stock cannot be negative", ErrInvalidInput)
	}
	switch in.Status {
	case "", ProductStatusAvailable, ProductStatusUnavailable:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}
	return nil
}

func (in ProductInput) applyTo(p *Product) {
	p.Name = strings.TrimSpace(in.Name)
	p.Description = in.Description
	p.Category = in.Category
	p.Size = in.Size
	p.Condition = in.Condition
	p.ImageURL = in.ImageURL
	p.Price = in.Price
	if in.Currency != "" {
		p.Currency = strings.ToUpper(in.Currency)
	}

	wasEmpty := p.Stock == 0
	p.Stock = in.Stock
	switch {
	case p.Stock == 0:
		p.Status = ProductStatusUnavailable
	case in.Status != "":
		p.Status = in.Status
	case wasEmpty:
		p.Status = ProductStatusAvailable
	}
	p.UpdatedAt = time.Now()
}

// ProductUseCase holds the catalog business rules
type ProductUseCase struct {
	repository Repository
}

// NewProductUseCase creates a new ProductUseCase
func NewProductUseCase(repository Repository) *ProductUseCase {
	return &ProductUseCase{repository: repository}
}

func (uc *ProductUseCase) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	return uc.repository.ListProducts(ctx, filter)
}

func (uc *ProductUseCase) GetProduct(ctx context.Context, productID string) (*Product, error) {
	return uc.repository.GetProduct(ctx, productID)
}

// CreateProduct adds a product to the catalog. Status follows stock unless
// the caller explicitly hides the product.
func (uc *ProductUseCase) CreateProduct(ctx context.Context, in ProductInput) (*Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	product := NewProduct(in.Name, in.Price, in.Currency, in.Stock)
	in.applyTo(product)
	if in.Status == "" {
		product.Status = statusForStock(product.Stock)
	}

	if err := uc.repository.CreateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("product_id", product.ID).Int("stock", product.Stock).Msg("🆕 [PRODUCT] Created")
	return product, nil
}

// UpdateProduct overwrites a product under lock so it cannot race a sale.
func (uc *ProductUseCase) UpdateProduct(ctx context.Context, productID string, in ProductInput) (*Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	product, err := uc.repository.GetProductForUpdate(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	in.applyTo(product)
	if err := uc.repository.UpdateProduct(ctx, tx, product); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit product update: %w", err)
	}
	return product, nil
}

// DeleteProduct removes a product that was never sold. Sold products are
// hidden through their status instead.
func (uc *ProductUseCase) DeleteProduct(ctx context.Context, productID string) error {
	if _, err := uc.repository.GetProduct(ctx, productID); err != nil {
		return err
	}

	hasSales, err := uc.repository.ProductHasSales(ctx, productID)
	if err != nil {
		return fmt.Errorf("failed to check product sales: %w", err)
	}
	if hasSales {
		return ErrProductHasSales
	}

	return uc.repository.DeleteProduct(ctx, productID)
}

// AdjustStock applies a restock (delta > 0) or a correction (delta < 0).
func (uc *ProductUseCase) AdjustStock(ctx context.Context, productID string, delta int) (*Product, error) {
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	product, err := uc.repository.GetProductForUpdate(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	if err := product.Adjust(delta); err != nil {
		return nil, err
	}
	if err := uc.repository.SaveStock(ctx, tx, product); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stock adjustment: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("product_id", productID).
		Int("delta", delta).
		Int("stock", product.Stock).
		Msg("📦 [STOCK] Adjusted")
	return product, nil
}

// SaleLine is one product and quantity of a point of sale request.
type SaleLine struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// CreateSalesRequest registers one or more sales for the same customer.
type CreateSalesRequest struct {
	CustomerID    string     `json:"customer_id" binding:"required"`
	PaymentMethod string     `json:"payment_method" binding:"required"`
	Lines         []SaleLine `json:"lines" binding:"required,min=1,dive"`
}

// SaleUseCase commits and archives sales together with their stock
// movements.
type SaleUseCase struct {
	repository Repository
	metrics    *StoreMetrics
}

// NewSaleUseCase creates a new SaleUseCase
func NewSaleUseCase(repository Repository, metrics *StoreMetrics) *SaleUseCase {
	return &SaleUseCase{
		repository: repository,
		metrics:    metrics,
	}
}

// CreateSale registers a single line sale.
func (uc *SaleUseCase) CreateSale(ctx context.Context, customerID, paymentMethod string, line SaleLine) (*Sale, error) {
	sales, err := uc.CreateSales(ctx, CreateSalesRequest{
		CustomerID:    customerID,
		PaymentMethod: paymentMethod,
		Lines:         []SaleLine{line},
	})
	if err != nil {
		return nil, err
	}
	return &sales[0], nil
}

// CreateSales locks every product involved, checks stock and inserts the
// sales in a single transaction. Either every line is sold or none is.
func (uc *SaleUseCase) CreateSales(ctx context.Context, req CreateSalesRequest) ([]Sale, error) {
	ctx, span := startSpan(ctx, "create_sales",
		attribute.String("customer_id", req.CustomerID),
		attribute.Int("lines", len(req.Lines)),
	)
	var err error
	defer func() { endSpan(span, err) }()

	logger := zerolog.Ctx(ctx)

	if err = validateSalesRequest(req); err != nil {
		return nil, err
	}
	lines := mergeSaleLines(req.Lines)

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := lockProducts(ctx, uc.repository, tx, ids)
	if err != nil {
		return nil, err
	}

	sales := make([]Sale, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			err = &LineError{ProductID: line.ProductID, Err: ErrProductNotFound}
			return nil, err
		}

		if err = product.Take(line.Quantity); err != nil {
			logger.Warn().Str("product_id", product.ID).Int("stock", product.Stock).Err(err).Msg("❌ [SALE] Rejected")
			err = &LineError{ProductID: line.ProductID, Err: err}
			return nil, err
		}
		if err = uc.repository.SaveStock(ctx, tx, product); err != nil {
			return nil, err
		}

		sale := NewSale(req.CustomerID, product, line.Quantity, req.PaymentMethod)
		if err = uc.repository.CreateSale(ctx, tx, sale); err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sales: %w", err)
	}

	for _, sale := range sales {
		uc.recordSale(ctx, sale)
		logger.Info().
			Str("sale_id", sale.ID).
			Str("product_id", sale.ProductID).
			Int("quantity", sale.Quantity).
			Msg("✅ [SALE] Committed")
	}
	return sales, nil
}

// ArchiveSale archives a sale and gives its quantity back to stock. A sale
// can only be archived once.
func (uc *SaleUseCase) ArchiveSale(ctx context.Context, saleID string) (*Sale, error) {
	ctx, span := startSpan(ctx, "archive_sale", attribute.String("sale_id", saleID))
	var err error
	defer func() { endSpan(span, err) }()

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sale, err := uc.repository.GetSaleForUpdate(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}

	if err = sale.Archive(time.Now()); err != nil {
		zerolog.Ctx(ctx).Info().Str("sale_id", saleID).Msg("ℹ️  [ARCHIVE] Sale already archived")
		return nil, err
	}

	product, err := uc.repository.GetProductForUpdate(ctx, tx, sale.ProductID)
	if err != nil {
		return nil, err
	}
	product.Restore(sale.Quantity)

	if err = uc.repository.SaveStock(ctx, tx, product); err != nil {
		return nil, err
	}
	if err = uc.repository.SaveSaleArchived(ctx, tx, sale); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit archive: %w", err)
	}

	if uc.metrics != nil {
		uc.metrics.SalesArchived.Add(ctx, 1)
	}
	zerolog.Ctx(ctx).Info().
		Str("sale_id", saleID).
		Str("product_id", product.ID).
		Int("restored", sale.Quantity).
		Int("stock", product.Stock).
		Msg("↩️ [ARCHIVE] Stock restored")
	return sale, nil
}

func (uc *SaleUseCase) GetSale(ctx context.Context, saleID string) (*Sale, error) {
	return uc.repository.GetSale(ctx, saleID)
}

func (uc *SaleUseCase) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	return uc.repository.ListSales(ctx, filter)
}

func (uc *SaleUseCase) recordSale(ctx context.Context, sale Sale) {
	if uc.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("payment_method", sale.PaymentMethod))
	uc.metrics.SalesCreated.Add(ctx, 1, attrs)
	uc.metrics.UnitsSold.Add(ctx, int64(sale.Quantity), attrs)
}

func validateSalesRequest(req CreateSalesRequest) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidInput)
	}
	if !validPaymentMethod(req.PaymentMethod) {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, req.PaymentMethod)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInvalidInput)
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return &LineError{ProductID: line.ProductID, Err: ErrInvalidQuantity}
		}
	}
	return nil
}

func mergeSaleLines(lines []SaleLine) []SaleLine {
	index := make(map[string]int, len(lines))
	merged := make([]SaleLine, 0, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

// lockProducts takes row locks on the given products in id order, so two
// transactions touching the same products can never deadlock. Missing
// products are left out of the result.
func lockProducts(ctx context.Context, repository ProductRepository, tx Tx, productIDs []string) (map[string]*Product, error) {
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)

	locked := make(map[string]*Product, len(ids))
	for _, id := range ids {
		if _, seen := locked[id]; seen {
			continue
		}
		product, err := repository.GetProductForUpdate(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		locked[id] = product
	}
	return locked, nil
}
