package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// PaymentGateway is the payment provider as seen by checkout.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, order *Order) (*Preference, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// Preference is a hosted checkout session opened at the provider.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// Payment is the provider's view of a payment.
type Payment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	TransactionAmount decimal.Decimal
	Currency          string
}

const (
	PaymentStatusApproved  = "approved"
	PaymentStatusPending   = "pending"
	PaymentStatusInProcess = "in_process"
	PaymentStatusRejected  = "rejected"
	PaymentStatusCancelled = "cancelled"
)

// MercadoPagoClient talks to the MercadoPago REST API.
type MercadoPagoClient struct {
	client          *resty.Client
	notificationURL string
	backURLs        preferenceBackURLs
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferenceBackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type preferencePayer struct {
	Email string `json:"email,omitempty"`
}

type preferenceRequest struct {
	Items             []preferenceItem   `json:"items"`
	Payer             *preferencePayer   `json:"payer,omitempty"`
	ExternalReference string             `json:"external_reference"`
	NotificationURL   string             `json:"notification_url,omitempty"`
	BackURLs          preferenceBackURLs `json:"back_urls"`
	AutoReturn        string             `json:"auto_return,omitempty"`
	Expires           bool               `json:"expires"`
	ExpirationDateTo  string             `json:"expiration_date_to,omitempty"`
}

type paymentResponse struct {
	ID                int64           `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
}

type providerError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

// NewMercadoPagoClient creates a client authenticated with the access token.
func NewMercadoPagoClient(cfg *Config) *MercadoPagoClient {
	client := resty.New().
		SetBaseURL(cfg.MercadoPago.BaseURL).
		SetAuthToken(cfg.MercadoPago.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &MercadoPagoClient{
		client:          client,
		notificationURL: cfg.MercadoPago.NotificationURL,
		backURLs: preferenceBackURLs{
			Success: cfg.MercadoPago.SuccessURL,
			Failure: cfg.MercadoPago.FailureURL,
			Pending: cfg.MercadoPago.PendingURL,
		},
	}
}

// CreatePreference opens a checkout preference for the order. The order id
// travels as external_reference and comes back on every payment.
func (c *MercadoPagoClient) CreatePreference(ctx context.Context, order *Order) (*Preference, error) {
	ctx, span := startClientSpan(ctx, "mercadopago", "create_preference")
	var err error
	defer func() { endSpan(span, err) }()

	body := preferenceRequest{
		ExternalReference: order.ID,
		NotificationURL:   c.notificationURL,
		BackURLs:          c.backURLs,
		AutoReturn:        "approved",
		Expires:           true,
		ExpirationDateTo:  order.ExpiresAt.Format("2006-01-02T15:04:05.000-07:00"),
	}
	if order.Email != "" {
		body.Payer = &preferencePayer{Email: order.Email}
	}
	for _, line := range order.Lines {
		body.Items = append(body.Items, preferenceItem{
			ID:         line.ProductID,
			Title:      line.Name,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice.InexactFloat64(),
			CurrencyID: order.Currency,
		})
	}
	if order.Shipping.IsPositive() {
		body.Items = append(body.Items, preferenceItem{
			ID:         "shipping",
			Title:      "Envío",
			Quantity:   1,
			UnitPrice:  order.Shipping.InexactFloat64(),
			CurrencyID: order.Currency,
		})
	}

	var preference Preference
	var apiErr providerError
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-Idempotency-Key", order.ID).
		SetBody(body).
		SetResult(&preference).
		SetError(&apiErr).
		Post("/checkout/preferences")
	if err != nil {
		return nil, fmt.Errorf("create preference request failed: %w", err)
	}
	if resp.IsError() {
		err = fmt.Errorf("create preference: status %d: %s", resp.StatusCode(), apiErr.describe())
		return nil, err
	}
	if preference.ID == "" {
		err = fmt.Errorf("create preference: empty preference id")
		return nil, err
	}
	return &preference, nil
}

// GetPayment fetches a payment by id.
func (c *MercadoPagoClient) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	ctx, span := startClientSpan(ctx, "mercadopago", "get_payment")
	var err error
	defer func() { endSpan(span, err) }()

	var result paymentResponse
	var apiErr providerError
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		SetResult(&result).
		SetError(&apiErr).
		Get("/v1/payments/{id}")
	if err != nil {
		return nil, fmt.Errorf("get payment request failed: %w", err)
	}
	if resp.IsError() {
		err = fmt.Errorf("get payment %s: status %d: %s", paymentID, resp.StatusCode(), apiErr.describe())
		return nil, err
	}

	return &Payment{
		ID:                strconv.FormatInt(result.ID, 10),
		Status:            result.Status,
		StatusDetail:      result.StatusDetail,
		ExternalReference: result.ExternalReference,
		TransactionAmount: result.TransactionAmount,
		Currency:          result.CurrencyID,
	}, nil
}

func (e providerError) describe() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Error != "" {
		return e.Error
	}
	return "unknown error"
}
