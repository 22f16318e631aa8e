package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product represents a garment in the catalog
type Product struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Category    string          `json:"category" db:"category"`
	Size        string          `json:"size" db:"size"`
	Condition   string          `json:"condition" db:"condition"`
	ImageURL    string          `json:"image_url" db:"image_url"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Currency    string          `json:"currency" db:"currency"`
	Stock       int             `json:"stock" db:"stock"`
	Status      string          `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// NewProduct creates a product with its status derived from stock.
func NewProduct(name string, price decimal.Decimal, currency string, stock int) *Product {
	if currency == "" {
		currency = DefaultCurrency
	}
	now := time.Now()
	return &Product{
		ID:        uuid.New().String(),
		Name:      name,
		Price:     price,
		Currency:  currency,
		Stock:     stock,
		Status:    statusForStock(stock),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Available reports whether the product can be sold right now.
func (p *Product) Available() bool {
	return p.Status == ProductStatusAvailable && p.Stock > 0
}

// Take removes quantity units from stock. The product flips to unavailable
// when the last unit goes.
func (p *Product) Take(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if p.Status != ProductStatusAvailable {
		return ErrProductUnavailable
	}
	if p.Stock < quantity {
		return ErrInsufficientStock
	}

	p.Stock -= quantity
	if p.Stock == 0 {
		p.Status = ProductStatusUnavailable
	}
	p.UpdatedAt = time.Now()
	return nil
}

// Restore puts quantity units back in stock.
func (p *Product) Restore(quantity int) {
	wasEmpty := p.Stock == 0
	p.Stock += quantity
	if wasEmpty && p.Stock > 0 {
		p.Status = ProductStatusAvailable
	}
	p.UpdatedAt = time.Now()
}

// Adjust applies an admin stock correction. Stock never goes below zero.
func (p *Product) Adjust(delta int) error {
	switch {
	case delta == 0:
		return ErrInvalidQuantity
	case delta > 0:
		p.Restore(delta)
		return nil
	case p.Stock+delta < 0:
		return ErrInsufficientStock
	}

	p.Stock += delta
	if p.Stock == 0 {
		p.Status = ProductStatusUnavailable
	}
	p.UpdatedAt = time.Now()
	return nil
}

func statusForStock(stock int) string {
	if stock > 0 {
		return ProductStatusAvailable
	}
	return ProductStatusUnavailable
}

const (
	ProductStatusAvailable   = "available"
	ProductStatusUnavailable = "unavailable"

	DefaultCurrency = "ARS"
)

// Sale represents a sale (venta)
type Sale struct {
	ID            string          `json:"id" db:"id"`
	CustomerID    string          `json:"customer_id" db:"customer_id"`
	ProductID     string          `json:"product_id" db:"product_id"`
	OrderID       string          `json:"order_id,omitempty" db:"order_id"`
	Quantity      int             `json:"quantity" db:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	Total         decimal.Decimal `json:"total" db:"total"`
	Currency      string          `json:"currency" db:"currency"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Archived      bool            `json:"archived" db:"archived"`
	ArchivedAt    *time.Time      `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewSale creates a sale priced at the product's current price
func NewSale(customerID string, product *Product, quantity int, paymentMethod string) *Sale {
	return &Sale{
		ID:            uuid.New().String(),
		CustomerID:    customerID,
		ProductID:     product.ID,
		Quantity:      quantity,
		UnitPrice:     product.Price,
		Total:         product.Price.Mul(decimal.NewFromInt(int64(quantity))),
		Currency:      product.Currency,
		PaymentMethod: paymentMethod,
		CreatedAt:     time.Now(),
	}
}

// Archive marks the sale archived. Archiving twice is an error since each
// archive gives stock back.
func (s *Sale) Archive(at time.Time) error {
	if s.Archived {
		return ErrSaleAlreadyArchived
	}
	s.Archived = true
	s.ArchivedAt = &at
	return nil
}

const (
	PaymentMethodCash        = "cash"
	PaymentMethodTransfer    = "transfer"
	PaymentMethodMercadoPago = "mercadopago"
	PaymentMethodCrypto      = "crypto"
)

func validPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCash, PaymentMethodTransfer, PaymentMethodMercadoPago, PaymentMethodCrypto:
		return true
	}
	return false
}

// Expense represents a business expense (gasto)
type Expense struct {
	ID          string          `json:"id" db:"id"`
	Description string          `json:"description" db:"description"`
	Category    string          `json:"category" db:"category"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Currency    string          `json:"currency" db:"currency"`
	SpentAt     time.Time       `json:"spent_at" db:"spent_at"`
	Archived    bool            `json:"archived" db:"archived"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// NewExpense creates a new expense
func NewExpense(description, category string, amount decimal.Decimal, currency string, spentAt time.Time) *Expense {
	if currency == "" {
		currency = DefaultCurrency
	}
	if spentAt.IsZero() {
		spentAt = time.Now()
	}
	return &Expense{
		ID:          uuid.New().String(),
		Description: description,
		Category:    category,
		Amount:      amount,
		Currency:    currency,
		SpentAt:     spentAt,
		CreatedAt:   time.Now(),
	}
}

// User represents a store account
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Name         string    `json:"name" db:"name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	Provider     string    `json:"provider" db:"provider"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"

	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

// Order is a checkout session holding a stock reservation until the
// payment provider confirms or the reservation expires.
type Order struct {
	ID           string          `json:"id" db:"id"`
	CustomerID   string          `json:"customer_id" db:"customer_id"`
	Email        string          `json:"email" db:"email"`
	Status       string          `json:"status" db:"status"`
	Subtotal     decimal.Decimal `json:"subtotal" db:"subtotal"`
	Shipping     decimal.Decimal `json:"shipping" db:"shipping"`
	Total        decimal.Decimal `json:"total" db:"total"`
	Currency     string          `json:"currency" db:"currency"`
	PreferenceID string          `json:"preference_id,omitempty" db:"preference_id"`
	PaymentID    string          `json:"payment_id,omitempty" db:"payment_id"`
	Lines        []OrderLine     `json:"lines"`
	ExpiresAt    time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderLine is one reserved product inside an order.
type OrderLine struct {
	ProductID string          `json:"product_id" db:"product_id"`
	Name      string          `json:"name" db:"name"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// NewOrder creates a pending order from a successful cart validation
func NewOrder(customerID, email string, validation *CartValidation, ttl time.Duration) *Order {
	now := time.Now()
	order := &Order{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Email:      email,
		Status:     OrderStatusPending,
		Subtotal:   validation.Subtotal,
		Shipping:   validation.Shipping,
		Total:      validation.Total,
		Currency:   validation.Currency,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, line := range validation.Lines {
		order.Lines = append(order.Lines, OrderLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.ServerPrice,
		})
	}
	return order
}

// Settle moves a pending order into a terminal status. Returns false when
// the order was already settled so callers can stay idempotent.
func (o *Order) Settle(status string) bool {
	if o.Status != OrderStatusPending {
		return false
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return true
}

// OrderStatus values
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"
)
