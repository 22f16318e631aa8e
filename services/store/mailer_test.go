package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMailer(baseURL string) *EmailAPIMailer {
	cfg := &Config{}
	cfg.Email.BaseURL = baseURL
	cfg.Email.APIKey = "re_test"
	cfg.Email.From = "Recirculate <ventas@recirculate.test>"
	return NewEmailAPIMailer(cfg)
}

func TestEmailAPIMailerSendsConfirmation(t *testing.T) {
	// Arrange
	var received emailRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email-1"}`))
	}))
	defer server.Close()
	order := testOrder()
	order.Lines[0].Name = "Remera <vintage> & más"

	// Act
	err := newTestMailer(server.URL).SendOrderConfirmation(context.Background(), order)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "Recirculate <ventas@recirculate.test>", received.From)
	assert.Equal(t, []string{"ana@example.com"}, received.To)
	assert.Contains(t, received.Subject, "0b7f3c0e")
	assert.Contains(t, received.HTML, "Remera &lt;vintage&gt; &amp; más")
	assert.NotContains(t, received.HTML, "<vintage>")
	assert.Contains(t, received.HTML, "ARS 25500.00")
}

func TestEmailAPIMailerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer server.Close()

	err := newTestMailer(server.URL).SendOrderConfirmation(context.Background(), testOrder())

	assert.ErrorContains(t, err, "422")
}

func TestNoopMailer(t *testing.T) {
	assert.NoError(t, NoopMailer{}.SendOrderConfirmation(context.Background(), testOrder()))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0b7f3c0e", shortID("0b7f3c0e-5a5e-4d43"))
	assert.Equal(t, "abc", shortID("abc"))
}
