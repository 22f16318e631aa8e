package main

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Mailer sends transactional email.
type Mailer interface {
	SendOrderConfirmation(ctx context.Context, order *Order) error
}

// NoopMailer drops every message. Used when no email API key is set.
type NoopMailer struct{}

func (NoopMailer) SendOrderConfirmation(ctx context.Context, order *Order) error {
	zerolog.Ctx(ctx).Debug().Str("order_id", order.ID).Msg("📭 [MAIL] Disabled, skipping confirmation")
	return nil
}

// EmailAPIMailer sends email through an HTTP email API (Resend compatible).
type EmailAPIMailer struct {
	client *resty.Client
	from   string
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type emailResponse struct {
	ID string `json:"id"`
}

// NewEmailAPIMailer creates a mailer for the configured API.
func NewEmailAPIMailer(cfg *Config) *EmailAPIMailer {
	client := resty.New().
		SetBaseURL(cfg.Email.BaseURL).
		SetAuthToken(cfg.Email.APIKey).
		SetTimeout(10 * time.Second)

	return &EmailAPIMailer{
		client: client,
		from:   cfg.Email.From,
	}
}

func (m *EmailAPIMailer) SendOrderConfirmation(ctx context.Context, order *Order) error {
	ctx, span := startClientSpan(ctx, "email", "send_order_confirmation")
	var err error
	defer func() { endSpan(span, err) }()

	var result emailResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(emailRequest{
			From:    m.from,
			To:      []string{order.Email},
			Subject: fmt.Sprintf("Recirculate: pedido %s confirmado", shortID(order.ID)),
			HTML:    renderOrderConfirmation(order),
		}).
		SetResult(&result).
		Post("/emails")
	if err != nil {
		return fmt.Errorf("send email request failed: %w", err)
	}
	if resp.IsError() {
		err = fmt.Errorf("send email: status %d: %s", resp.StatusCode(), resp.String())
		return err
	}

	zerolog.Ctx(ctx).Info().Str("order_id", order.ID).Str("email_id", result.ID).Msg("📧 [MAIL] Confirmation sent")
	return nil
}

func renderOrderConfirmation(order *Order) string {
	var b strings.Builder
	b.WriteString("<h1>¡Gracias por tu compra!</h1>")
	fmt.Fprintf(&b, "<p>Pedido <strong>%s</strong></p><ul>", shortID(order.ID))
	for _, line := range order.Lines {
		fmt.Fprintf(&b, "<li>%d x %s: %s %s</li>", line.Quantity, html.EscapeString(line.Name), order.Currency, line.UnitPrice.StringFixed(2))
	}
	b.WriteString("</ul>")
	fmt.Fprintf(&b, "<p>Envío: %s %s</p>", order.Currency, order.Shipping.StringFixed(2))
	fmt.Fprintf(&b, "<p><strong>Total: %s %s</strong></p>", order.Currency, order.Total.StringFixed(2))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
