//go:build integration

package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway postgres container with the schema applied.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "root",
				"POSTGRES_PASSWORD": "pass",
				"POSTGRES_DB":       "recirculate",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://root:pass@%s:%s/recirculate?sslmode=disable", host, port.Port())
	require.NoError(t, runMigrations(dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func createProduct(t *testing.T, repo Repository, price string, stock int) *Product {
	t.Helper()
	p := NewProduct("Campera de jean", decimal.RequireFromString(price), DefaultCurrency, stock)
	require.NoError(t, repo.CreateProduct(context.Background(), p))
	return p
}

func TestPostgresConcurrentSalesNeverOversell(t *testing.T) {
	// Arrange
	repo := NewPostgresRepository(startPostgres(t))
	metrics, err := NewStoreMetrics(nil)
	require.NoError(t, err)
	uc := NewSaleUseCase(repo, metrics)
	product := createProduct(t, repo, "12000", 5)

	// Act
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := uc.CreateSale(context.Background(), fmt.Sprintf("cliente-%d", i), PaymentMethodCash, SaleLine{ProductID: product.ID, Quantity: 1})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 5, succeeded)
	stored, err := repo.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Stock)
	assert.Equal(t, ProductStatusUnavailable, stored.Status)

	sales, err := repo.ListSales(context.Background(), SaleFilter{ProductID: product.ID})
	require.NoError(t, err)
	assert.Len(t, sales, 5)
}

func TestPostgresArchiveSaleRestoresStock(t *testing.T) {
	repo := NewPostgresRepository(startPostgres(t))
	metrics, err := NewStoreMetrics(nil)
	require.NoError(t, err)
	uc := NewSaleUseCase(repo, metrics)
	product := createProduct(t, repo, "8000", 2)

	sale, err := uc.CreateSale(context.Background(), "cliente-1", PaymentMethodTransfer, SaleLine{ProductID: product.ID, Quantity: 2})
	require.NoError(t, err)

	archived, err := uc.ArchiveSale(context.Background(), sale.ID)
	require.NoError(t, err)
	_, err = uc.ArchiveSale(context.Background(), sale.ID)

	assert.True(t, archived.Archived)
	assert.ErrorIs(t, err, ErrSaleAlreadyArchived)
	stored, err := repo.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Stock)
	assert.Equal(t, ProductStatusAvailable, stored.Status)

	// Products with sales history cannot be deleted
	assert.ErrorIs(t, repo.DeleteProduct(context.Background(), product.ID), ErrProductHasSales)
}

func TestPostgresCheckoutFlow(t *testing.T) {
	// Arrange
	repo := NewPostgresRepository(startPostgres(t))
	metrics, err := NewStoreMetrics(nil)
	require.NoError(t, err)
	gateway := new(MockPaymentGateway)
	mailer := new(MockMailer)
	events := &memoryEventStore{}
	uc := NewCheckoutUseCase(repo, NewCheckoutValidator(DefaultCheckoutRules()), gateway, mailer, events, metrics, 15*time.Minute)

	paid := createProduct(t, repo, "12000", 3)
	abandoned := createProduct(t, repo, "4500", 1)
	gateway.On("CreatePreference", mock.Anything, mock.Anything).
		Return(&Preference{ID: "pref-1", InitPoint: "https://mp.test/checkout/pref-1"}, nil)
	mailer.On("SendOrderConfirmation", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	// Act
	result, err := uc.StartCheckout(ctx, CheckoutRequest{
		CustomerID: "user-1",
		Email:      "ana@example.com",
		Lines:      []CartLine{{ProductID: paid.ID, Quantity: 2, Price: money("12000")}},
	})
	require.NoError(t, err)
	gateway.On("GetPayment", mock.Anything, "pay-1").
		Return(&Payment{
			ID:                "pay-1",
			Status:            PaymentStatusApproved,
			ExternalReference: result.OrderID,
			TransactionAmount: result.Total,
			Currency:          result.Currency,
		}, nil)
	require.NoError(t, uc.ConfirmPayment(ctx, PaymentNotification{Topic: "payment", PaymentID: "pay-1"}))
	require.NoError(t, uc.ConfirmPayment(ctx, PaymentNotification{Topic: "payment", PaymentID: "pay-1"}))

	pending, err := uc.StartCheckout(ctx, CheckoutRequest{
		CustomerID: "user-2",
		Lines:      []CartLine{{ProductID: abandoned.ID, Quantity: 1, Price: money("4500")}},
	})
	require.NoError(t, err)
	expired, err := uc.ExpireReservations(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Assert
	order, err := repo.GetOrder(ctx, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPaid, order.Status)
	assert.Equal(t, "pay-1", order.PaymentID)
	assert.Equal(t, "pref-1", order.PreferenceID)
	require.Len(t, order.Lines, 1)
	assert.True(t, order.Lines[0].UnitPrice.Equal(money("12000")))

	sales, err := repo.ListSales(ctx, SaleFilter{ProductID: paid.ID})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, result.OrderID, sales[0].OrderID)
	assert.Equal(t, 2, sales[0].Quantity)

	stored, err := repo.GetProduct(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stock)

	assert.Equal(t, 1, expired)
	released, err := repo.GetOrder(ctx, pending.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusExpired, released.Status)
	restored, err := repo.GetProduct(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Stock)
	assert.Equal(t, ProductStatusAvailable, restored.Status)

	mailer.AssertNumberOfCalls(t, "SendOrderConfirmation", 1)
}

func TestPostgresUsersAndSummary(t *testing.T) {
	repo := NewPostgresRepository(startPostgres(t))
	auth := NewAuthUseCase(repo, nil, "secret", time.Hour)
	ctx := context.Background()

	_, err := auth.Register(ctx, RegisterRequest{Email: "ana@example.com", Password: "12345678"})
	require.NoError(t, err)
	_, err = auth.Register(ctx, RegisterRequest{Email: "ANA@example.com", Password: "12345678"})
	assert.ErrorIs(t, err, ErrEmailTaken)
	_, err = repo.GetUserByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrUserNotFound)

	metrics, err := NewStoreMetrics(nil)
	require.NoError(t, err)
	product := createProduct(t, repo, "10000", 3)
	_, err = NewSaleUseCase(repo, metrics).CreateSale(ctx, "cliente-1", PaymentMethodCash, SaleLine{ProductID: product.ID, Quantity: 2})
	require.NoError(t, err)
	expense := NewExpense("Alquiler", "local", money("5000"), DefaultCurrency, time.Now())
	require.NoError(t, repo.CreateExpense(ctx, expense))

	summary, err := repo.Summary(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	require.NoError(t, err)
	assert.True(t, summary.Revenue.Equal(money("20000")), summary.Revenue.String())
	assert.True(t, summary.Expenses.Equal(money("5000")), summary.Expenses.String())
	assert.True(t, summary.Net.Equal(money("15000")), summary.Net.String())
	assert.Equal(t, 1, summary.SalesCount)
}
