package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CheckoutRules are the pricing knobs applied to every cart.
type CheckoutRules struct {
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	PriceEpsilon          decimal.Decimal
	Currency              string
}

// DefaultCheckoutRules mirrors the defaults in Config.
func DefaultCheckoutRules() CheckoutRules {
	return CheckoutRules{
		ShippingFee:           decimal.NewFromInt(1500),
		FreeShippingThreshold: decimal.NewFromInt(30000),
		PriceEpsilon:          decimal.RequireFromString("0.01"),
		Currency:              DefaultCurrency,
	}
}

// ShippingFor returns the flat fee, or zero once the subtotal reaches the
// free-shipping threshold. Empty carts ship for free.
func (r CheckoutRules) ShippingFor(subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() || subtotal.GreaterThanOrEqual(r.FreeShippingThreshold) {
		return decimal.Zero
	}
	return r.ShippingFee
}

// CartLine is one entry of the client-held cart.
type CartLine struct {
	ProductID string          `json:"product_id" binding:"required"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// LineResult is the verdict for a single cart line.
type LineResult struct {
	ProductID   string          `json:"product_id"`
	Name        string          `json:"name,omitempty"`
	Quantity    int             `json:"quantity"`
	ClientPrice decimal.Decimal `json:"client_price"`
	ServerPrice decimal.Decimal `json:"server_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
	Valid       bool            `json:"valid"`
	Error       string          `json:"error,omitempty"`

	err error
}

// Err returns the failure as a *LineError, or nil for a valid line.
func (l LineResult) Err() error {
	if l.err == nil {
		return nil
	}
	return &LineError{ProductID: l.ProductID, Err: l.err}
}

// CartValidation is the outcome of validating a whole cart.
type CartValidation struct {
	Valid    bool            `json:"valid"`
	Lines    []LineResult    `json:"lines"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
}

// Errors collects the per-line failures.
func (v *CartValidation) Errors() []error {
	var errs []error
	for _, line := range v.Lines {
		if err := line.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ProductLookup fetches a single product. Both the repository and a locked
// transaction view satisfy it.
type ProductLookup func(ctx context.Context, productID string) (*Product, error)

// CheckoutValidator re-checks a client cart against current prices and
// stock. It never mutates anything.
type CheckoutValidator struct {
	rules CheckoutRules
}

// NewCheckoutValidator creates a validator for the given rules
func NewCheckoutValidator(rules CheckoutRules) *CheckoutValidator {
	return &CheckoutValidator{rules: rules}
}

// Rules exposes the pricing rules in use.
func (v *CheckoutValidator) Rules() CheckoutRules {
	return v.rules
}

// Validate checks every line of the cart. Lookup errors other than
// not-found abort the whole validation.
func (v *CheckoutValidator) Validate(ctx context.Context, lines []CartLine, lookup ProductLookup) (*CartValidation, error) {
	result := &CartValidation{
		Lines:    make([]LineResult, 0, len(lines)),
		Subtotal: decimal.Zero,
		Currency: v.rules.Currency,
	}

	for _, line := range mergeCartLines(lines) {
		lr := LineResult{
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			ClientPrice: line.Price,
			ServerPrice: decimal.Zero,
			LineTotal:   decimal.Zero,
		}

		product, err := v.checkLine(ctx, line, lookup)
		if product != nil {
			lr.Name = product.Name
			lr.ServerPrice = product.Price
		}
		if err != nil {
			if !isLineFailure(err) {
				return nil, fmt.Errorf("failed to validate product %s: %w", line.ProductID, err)
			}
			lr.err = err
			lr.Error = err.Error()
		} else {
			lr.Valid = true
			lr.LineTotal = product.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
			result.Subtotal = result.Subtotal.Add(lr.LineTotal)
		}

		result.Lines = append(result.Lines, lr)
	}

	result.Valid = len(result.Lines) > 0
	for _, lr := range result.Lines {
		if !lr.Valid {
			result.Valid = false
			break
		}
	}

	result.Shipping = v.rules.ShippingFor(result.Subtotal)
	result.Total = result.Subtotal.Add(result.Shipping)
	return result, nil
}

func (v *CheckoutValidator) checkLine(ctx context.Context, line CartLine, lookup ProductLookup) (*Product, error) {
	if line.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	product, err := lookup(ctx, line.ProductID)
	if err != nil {
		return nil, err
	}

	if product.Status != ProductStatusAvailable {
		return product, ErrProductUnavailable
	}
	if !strings.EqualFold(product.Currency, v.rules.Currency) {
		return product, ErrCurrencyMismatch
	}
	if product.Stock < line.Quantity {
		return product, ErrInsufficientStock
	}
	if product.Price.Sub(line.Price).Abs().GreaterThan(v.rules.PriceEpsilon) {
		return product, ErrPriceMismatch
	}
	return product, nil
}

func isLineFailure(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrProductUnavailable) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrPriceMismatch) ||
		errors.Is(err, ErrCurrencyMismatch)
}

// mergeCartLines folds repeated product ids into one line, keeping the
// first price snapshot and the first-seen order. Lines with a non-positive
// quantity are never folded so that each one is rejected on its own.
func mergeCartLines(lines []CartLine) []CartLine {
	index := make(map[string]int, len(lines))
	merged := make([]CartLine, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			merged = append(merged, line)
			continue
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}
