package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// CheckoutRequest is the cart a customer wants to pay for. Email is used
// for guests and for the confirmation message.
type CheckoutRequest struct {
	CustomerID string     `json:"-"`
	Email      string     `json:"email"`
	Lines      []CartLine `json:"lines" binding:"required,dive"`
}

// CheckoutResult is returned once stock is reserved and a preference exists.
type CheckoutResult struct {
	OrderID      string          `json:"order_id"`
	PreferenceID string          `json:"preference_id"`
	CheckoutURL  string          `json:"checkout_url"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Shipping     decimal.Decimal `json:"shipping"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// PaymentNotification is a webhook call from the payment provider.
type PaymentNotification struct {
	Topic     string
	PaymentID string
	Payload   map[string]any
}

// CheckoutUseCase runs the validate -> reserve -> pay -> confirm flow.
type CheckoutUseCase struct {
	repository     Repository
	validator      *CheckoutValidator
	payments       PaymentGateway
	mailer         Mailer
	events         PaymentEventStore
	metrics        *StoreMetrics
	reservationTTL time.Duration
	now            func() time.Time
}

// NewCheckoutUseCase creates a new CheckoutUseCase
func NewCheckoutUseCase(
	repository Repository,
	validator *CheckoutValidator,
	payments PaymentGateway,
	mailer Mailer,
	events PaymentEventStore,
	metrics *StoreMetrics,
	reservationTTL time.Duration,
) *CheckoutUseCase {
	if mailer == nil {
		mailer = NoopMailer{}
	}
	if events == nil {
		events = NoopPaymentEventStore{}
	}
	return &CheckoutUseCase{
		repository:     repository,
		validator:      validator,
		payments:       payments,
		mailer:         mailer,
		events:         events,
		metrics:        metrics,
		reservationTTL: reservationTTL,
		now:            time.Now,
	}
}

// ValidateCart checks the cart against the live catalog. It never touches
// stock.
func (uc *CheckoutUseCase) ValidateCart(ctx context.Context, lines []CartLine) (*CartValidation, error) {
	ctx, span := startSpan(ctx, "validate_cart", attribute.Int("lines", len(lines)))
	var err error
	defer func() { endSpan(span, err) }()

	validation, err := uc.validator.Validate(ctx, lines, uc.repository.GetProduct)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("cart.valid", validation.Valid))
	if !validation.Valid && uc.metrics != nil {
		uc.metrics.CheckoutsRejected.Add(ctx, 1)
	}
	return validation, nil
}

// StartCheckout reserves stock for a valid cart and opens a payment
// preference. The cart is validated again under row locks so that the
// reservation can never oversell.
func (uc *CheckoutUseCase) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := startSpan(ctx, "start_checkout", attribute.String("customer_id", req.CustomerID))
	var err error
	defer func() { endSpan(span, err) }()

	logger := zerolog.Ctx(ctx)

	if len(req.Lines) == 0 {
		err = ErrEmptyCart
		return nil, err
	}
	customerID := req.CustomerID
	if customerID == "" {
		customerID = strings.ToLower(strings.TrimSpace(req.Email))
	}
	if customerID == "" {
		err = fmt.Errorf("%w: email is required for guest checkout", ErrInvalidInput)
		return nil, err
	}

	validation, err := uc.ValidateCart(ctx, req.Lines)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		logger.Info().Int("rejected", len(validation.Errors())).Msg("🛒 [CHECKOUT] Cart rejected")
		err = &CartRejectedError{Validation: validation}
		return nil, err
	}

	order, err := uc.reserve(ctx, customerID, req.Email, req.Lines)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("order_id", order.ID).Str("total", order.Total.String()).Msg("🔒 [CHECKOUT] Stock reserved")

	preference, err := uc.payments.CreatePreference(ctx, order)
	if err != nil {
		logger.Error().Err(err).Str("order_id", order.ID).Msg("❌ [CHECKOUT] Preference failed, releasing reservation")
		if _, releaseErr := uc.releaseReservation(ctx, order.ID, OrderStatusCancelled); releaseErr != nil {
			logger.Error().Err(releaseErr).Str("order_id", order.ID).Msg("❌ [CHECKOUT] Release failed")
		}
		err = fmt.Errorf("%w: %v", ErrPaymentProvider, err)
		return nil, err
	}

	if err = uc.repository.SetOrderPreference(ctx, order.ID, preference.ID); err != nil {
		return nil, err
	}

	if uc.metrics != nil {
		uc.metrics.CheckoutsStarted.Add(ctx, 1)
	}
	return &CheckoutResult{
		OrderID:      order.ID,
		PreferenceID: preference.ID,
		CheckoutURL:  preference.InitPoint,
		Subtotal:     order.Subtotal,
		Shipping:     order.Shipping,
		Total:        order.Total,
		Currency:     order.Currency,
		ExpiresAt:    order.ExpiresAt,
	}, nil
}

func (uc *CheckoutUseCase) reserve(ctx context.Context, customerID, email string, lines []CartLine) (*Order, error) {
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	merged := mergeCartLines(lines)
	ids := make([]string, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ProductID)
	}
	locked, err := lockProducts(ctx, uc.repository, tx, ids)
	if err != nil {
		return nil, err
	}

	lookup := func(_ context.Context, productID string) (*Product, error) {
		if p, ok := locked[productID]; ok {
			return p, nil
		}
		return nil, ErrProductNotFound
	}
	validation, err := uc.validator.Validate(ctx, merged, lookup)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, &CartRejectedError{Validation: validation}
	}

	for _, line := range merged {
		product := locked[line.ProductID]
		if err := product.Take(line.Quantity); err != nil {
			return nil, &LineError{ProductID: line.ProductID, Err: err}
		}
		if err := uc.repository.SaveStock(ctx, tx, product); err != nil {
			return nil, err
		}
	}

	order := NewOrder(customerID, email, validation, uc.reservationTTL)
	order.ExpiresAt = uc.now().Add(uc.reservationTTL)
	if err := uc.repository.CreateOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return order, nil
}

// ConfirmPayment handles a provider notification. Approved payments turn
// the reservation into sales and cancelled ones release it. A rejected
// payment keeps the reservation so the buyer can retry before it expires.
// Repeated notifications are harmless.
func (uc *CheckoutUseCase) ConfirmPayment(ctx context.Context, n PaymentNotification) error {
	ctx, span := startSpan(ctx, "confirm_payment",
		attribute.String("payment_id", n.PaymentID),
		attribute.String("topic", n.Topic),
	)
	var err error
	defer func() { endSpan(span, err) }()

	logger := zerolog.Ctx(ctx)
	event := PaymentEvent{
		ID:         uuid.New().String(),
		PaymentID:  n.PaymentID,
		Topic:      n.Topic,
		Payload:    n.Payload,
		ReceivedAt: uc.now(),
	}

	if n.Topic != "" && n.Topic != "payment" {
		uc.recordEvent(ctx, event)
		logger.Debug().Str("topic", n.Topic).Msg("ℹ️  [WEBHOOK] Ignoring non-payment topic")
		return nil
	}
	if n.PaymentID == "" {
		err = fmt.Errorf("%w: payment id is required", ErrInvalidInput)
		return err
	}

	payment, err := uc.payments.GetPayment(ctx, n.PaymentID)
	if err != nil {
		uc.recordEvent(ctx, event)
		err = fmt.Errorf("%w: %v", ErrPaymentProvider, err)
		return err
	}
	event.Status = payment.Status
	event.OrderID = payment.ExternalReference

	logger.Info().
		Str("payment_id", payment.ID).
		Str("order_id", payment.ExternalReference).
		Str("status", payment.Status).
		Msg("💳 [WEBHOOK] Payment received")

	switch payment.Status {
	case PaymentStatusApproved:
		event.Review, err = uc.settlePaid(ctx, payment)
	case PaymentStatusCancelled:
		_, err = uc.releaseReservation(ctx, payment.ExternalReference, OrderStatusCancelled)
		if errors.Is(err, ErrNotFound) {
			logger.Warn().Str("payment_id", payment.ID).Msg("⚠️ [WEBHOOK] Cancelled payment for unknown order")
			event.Review, err = reviewUnknownOrder, nil
		}
	case PaymentStatusRejected:
		// The preference is still payable; expiry releases the stock.
		logger.Info().Str("order_id", payment.ExternalReference).Msg("⏳ [WEBHOOK] Payment rejected, reservation kept")
	}
	uc.recordEvent(ctx, event)
	return err
}

// Review markers stored on payment events that need a human to look at them.
const (
	reviewUnknownOrder   = "unknown_order"
	reviewReleasedOrder  = "order_released"
	reviewAmountMismatch = "amount_mismatch"
)

// settlePaid turns a pending order into sales. Payments that cannot be
// matched to a pending order of the same amount are left alone and the
// returned review marker is stored with the event.
func (uc *CheckoutUseCase) settlePaid(ctx context.Context, payment *Payment) (string, error) {
	logger := zerolog.Ctx(ctx)

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	order, err := uc.repository.GetOrderForUpdate(ctx, tx, payment.ExternalReference)
	if errors.Is(err, ErrNotFound) {
		logger.Warn().
			Str("payment_id", payment.ID).
			Str("external_reference", payment.ExternalReference).
			Msg("⚠️ [WEBHOOK] Approved payment for unknown order, needs manual review")
		return reviewUnknownOrder, nil
	}
	if err != nil {
		return "", err
	}

	if order.Status == OrderStatusPaid {
		logger.Info().Str("order_id", order.ID).Msg("ℹ️  [IDEMPOTENCY] Order already paid")
		return "", nil
	}
	if order.Status != OrderStatusPending {
		// The reservation was released before the approval arrived.
		logger.Warn().
			Str("order_id", order.ID).
			Str("status", order.Status).
			Str("payment_id", payment.ID).
			Msg("⚠️ [WEBHOOK] Approved payment for released order, needs manual review")
		return reviewReleasedOrder, nil
	}
	if !uc.paymentCovers(order, payment) {
		logger.Warn().
			Str("order_id", order.ID).
			Str("payment_id", payment.ID).
			Str("expected", order.Total.String()+" "+order.Currency).
			Str("received", payment.TransactionAmount.String()+" "+payment.Currency).
			Msg("⚠️ [WEBHOOK] Payment amount does not match order, needs manual review")
		return reviewAmountMismatch, nil
	}

	exists, err := uc.repository.SalesExistForOrder(ctx, tx, order.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check idempotency: %w", err)
	}

	sales := make([]Sale, 0, len(order.Lines))
	if !exists {
		for _, line := range order.Lines {
			sale := newOrderSale(order, line)
			if err := uc.repository.CreateSale(ctx, tx, sale); err != nil {
				return "", err
			}
			sales = append(sales, *sale)
		}
	}

	order.PaymentID = payment.ID
	order.Settle(OrderStatusPaid)
	if err := uc.repository.SaveOrderStatus(ctx, tx, order); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit payment: %w", err)
	}

	if uc.metrics != nil {
		uc.metrics.PaymentsConfirmed.Add(ctx, 1)
		for _, sale := range sales {
			uc.metrics.SalesCreated.Add(ctx, 1)
			uc.metrics.UnitsSold.Add(ctx, int64(sale.Quantity))
		}
	}
	logger.Info().Str("order_id", order.ID).Int("sales", len(sales)).Msg("✅ [WEBHOOK] Order paid")

	if order.Email != "" {
		if err := uc.mailer.SendOrderConfirmation(ctx, order); err != nil {
			logger.Error().Err(err).Str("order_id", order.ID).Msg("❌ [MAIL] Confirmation not sent")
		}
	}
	return "", nil
}

// paymentCovers reports whether the payment is for the order's total in the
// order's currency, within the price epsilon.
func (uc *CheckoutUseCase) paymentCovers(order *Order, payment *Payment) bool {
	if !strings.EqualFold(payment.Currency, order.Currency) {
		return false
	}
	return payment.TransactionAmount.Sub(order.Total).Abs().LessThanOrEqual(uc.validator.Rules().PriceEpsilon)
}

// releaseReservation gives a pending order's stock back and moves it to
// status. Returns false when the order was no longer pending.
func (uc *CheckoutUseCase) releaseReservation(ctx context.Context, orderID, status string) (bool, error) {
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	order, err := uc.repository.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != OrderStatusPending {
		return false, nil
	}

	ids := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		ids = append(ids, line.ProductID)
	}
	locked, err := lockProducts(ctx, uc.repository, tx, ids)
	if err != nil {
		return false, err
	}

	for _, line := range order.Lines {
		product, ok := locked[line.ProductID]
		if !ok {
			return false, &LineError{ProductID: line.ProductID, Err: ErrProductNotFound}
		}
		product.Restore(line.Quantity)
		if err := uc.repository.SaveStock(ctx, tx, product); err != nil {
			return false, err
		}
	}

	order.Settle(status)
	if err := uc.repository.SaveOrderStatus(ctx, tx, order); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit release: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("order_id", orderID).Str("status", status).Msg("↩️ [RESERVATION] Released")
	return true, nil
}

const expireBatchSize = 100

// ExpireReservations releases every pending order whose reservation ran
// out before now and returns how many were released.
func (uc *CheckoutUseCase) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, "expire_reservations")
	var err error
	defer func() { endSpan(span, err) }()

	ids, err := uc.repository.ListExpiredOrderIDs(ctx, now, expireBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	var errs []error
	for _, id := range ids {
		ok, releaseErr := uc.releaseReservation(ctx, id, OrderStatusExpired)
		if releaseErr != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", id, releaseErr))
			continue
		}
		if ok {
			released++
		}
	}

	if released > 0 && uc.metrics != nil {
		uc.metrics.ReservationsExpired.Add(ctx, int64(released))
	}
	err = errors.Join(errs...)
	return released, err
}

// GetOrder returns an order to its owner or to an admin.
func (uc *CheckoutUseCase) GetOrder(ctx context.Context, orderID string, claims *Claims) (*Order, error) {
	order, err := uc.repository.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		return nil, ErrUnauthorized
	}
	if claims.Role != RoleAdmin &&
		order.CustomerID != claims.Subject &&
		(order.Email == "" || !strings.EqualFold(order.Email, claims.Email)) {
		return nil, ErrForbidden
	}
	return order, nil
}

func (uc *CheckoutUseCase) recordEvent(ctx context.Context, event PaymentEvent) {
	if err := uc.events.Record(ctx, event); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("payment_id", event.PaymentID).Msg("❌ [EVENTS] Failed to record payment event")
	}
}

func newOrderSale(order *Order, line OrderLine) *Sale {
	return &Sale{
		ID:            uuid.New().String(),
		CustomerID:    order.CustomerID,
		ProductID:     line.ProductID,
		OrderID:       order.ID,
		Quantity:      line.Quantity,
		UnitPrice:     line.UnitPrice,
		Total:         line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))),
		Currency:      order.Currency,
		PaymentMethod: PaymentMethodMercadoPago,
		CreatedAt:     time.Now(),
	}
}
