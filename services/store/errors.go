package main

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrProductNotFound     = fmt.Errorf("product %w", ErrNotFound)
	ErrSaleNotFound        = fmt.Errorf("sale %w", ErrNotFound)
	ErrExpenseNotFound     = fmt.Errorf("expense %w", ErrNotFound)
	ErrOrderNotFound       = fmt.Errorf("order %w", ErrNotFound)
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrProductUnavailable  = errors.New("product unavailable")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrPriceMismatch       = errors.New("price mismatch")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrSaleAlreadyArchived = errors.New("sale already archived")
	ErrExpenseArchived     = errors.New("expense already archived")
	ErrProductHasSales     = errors.New("product has sales")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrCartInvalid         = errors.New("cart validation failed")
	ErrInvalidInput        = errors.New("invalid input")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrPaymentProvider     = errors.New("payment provider error")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrPriceFeed           = errors.New("price feed unavailable")
)

// LineError ties a checkout failure to the cart line that caused it.
type LineError struct {
	ProductID string
	Err       error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("product %s: %s", e.ProductID, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// CartRejectedError carries the validation that made a checkout fail so the
// caller can report every line back.
type CartRejectedError struct {
	Validation *CartValidation
}

func (e *CartRejectedError) Error() string {
	return fmt.Sprintf("%s: %d line(s) rejected", ErrCartInvalid, len(e.Validation.Errors()))
}

func (e *CartRejectedError) Unwrap() error {
	return ErrCartInvalid
}

// statusFor maps a use case error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSaleAlreadyArchived),
		errors.Is(err, ErrExpenseArchived),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrProductUnavailable),
		errors.Is(err, ErrProductHasSales),
		errors.Is(err, ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrPriceMismatch),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrEmptyCart):
		return http.StatusBadRequest
	case errors.Is(err, ErrCartInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrPaymentProvider), errors.Is(err, ErrPriceFeed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
