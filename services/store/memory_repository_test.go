package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memoryRepository is an in-memory Repository. Transactions are serialized
// by txMu, which gives the same guarantees as row locks for the tests.
type memoryRepository struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products map[string]Product
	sales    map[string]Sale
	orders   map[string]Order
	expenses map[string]Expense
	users    map[string]User

	failCreateSale error
}

type memorySnapshot struct {
	products map[string]Product
	sales    map[string]Sale
	orders   map[string]Order
}

type memoryTx struct {
	repo     *memoryRepository
	snapshot memorySnapshot
	done     bool
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		products: make(map[string]Product),
		sales:    make(map[string]Sale),
		orders:   make(map[string]Order),
		expenses: make(map[string]Expense),
		users:    make(map[string]User),
	}
}

func (r *memoryRepository) BeginTx(ctx context.Context) (Tx, error) {
	r.txMu.Lock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return &memoryTx{
		repo: r,
		snapshot: memorySnapshot{
			products: cloneMap(r.products),
			sales:    cloneMap(r.sales),
			orders:   cloneMap(r.orders),
		},
	}, nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errors.New("tx already closed")
	}
	t.done = true
	t.repo.txMu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.repo.mu.Lock()
	t.repo.products = t.snapshot.products
	t.repo.sales = t.snapshot.sales
	t.repo.orders = t.snapshot.orders
	t.repo.mu.Unlock()

	t.done = true
	t.repo.txMu.Unlock()
	return nil
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *memoryRepository) GetProduct(ctx context.Context, productID string) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

func (r *memoryRepository) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	products := make([]Product, 0)
	for _, p := range r.products {
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if filter.Size != "" && p.Size != filter.Size {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Query)) {
			continue
		}
		if filter.MinPrice != nil && p.Price.LessThan(*filter.MinPrice) {
			continue
		}
		if filter.MaxPrice != nil && p.Price.GreaterThan(*filter.MaxPrice) {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].CreatedAt.After(products[j].CreatedAt) })
	return paginate(products, filter.Limit, filter.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if n := normalizeLimit(limit); len(items) > n {
		items = items[:n]
	}
	return items
}

func (r *memoryRepository) CreateProduct(ctx context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.products[p.ID] = *p
	return nil
}

func (r *memoryRepository) UpdateProduct(ctx context.Context, tx Tx, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.products[p.ID]; !ok {
		return ErrProductNotFound
	}
	r.products[p.ID] = *p
	return nil
}

func (r *memoryRepository) DeleteProduct(ctx context.Context, productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.products[productID]; !ok {
		return ErrProductNotFound
	}
	delete(r.products, productID)
	return nil
}

func (r *memoryRepository) ProductHasSales(ctx context.Context, productID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sales {
		if s.ProductID == productID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) GetProductForUpdate(ctx context.Context, tx Tx, productID string) (*Product, error) {
	return r.GetProduct(ctx, productID)
}

func (r *memoryRepository) SaveStock(ctx context.Context, tx Tx, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Stock < 0 {
		return errors.New("violates check constraint products_stock_check")
	}
	stored, ok := r.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	stored.Stock = p.Stock
	stored.Status = p.Status
	r.products[p.ID] = stored
	return nil
}

func (r *memoryRepository) CreateSale(ctx context.Context, tx Tx, s *Sale) error {
	if r.failCreateSale != nil {
		return r.failCreateSale
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sales[s.ID] = *s
	return nil
}

func (r *memoryRepository) GetSale(ctx context.Context, saleID string) (*Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sales[saleID]
	if !ok {
		return nil, ErrSaleNotFound
	}
	return &s, nil
}

func (r *memoryRepository) GetSaleForUpdate(ctx context.Context, tx Tx, saleID string) (*Sale, error) {
	return r.GetSale(ctx, saleID)
}

func (r *memoryRepository) SaveSaleArchived(ctx context.Context, tx Tx, s *Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sales[s.ID]
	if !ok {
		return ErrSaleNotFound
	}
	stored.Archived = s.Archived
	stored.ArchivedAt = s.ArchivedAt
	r.sales[s.ID] = stored
	return nil
}

func (r *memoryRepository) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sales := make([]Sale, 0)
	for _, s := range r.sales {
		if s.Archived && !filter.IncludeArchived {
			continue
		}
		if filter.CustomerID != "" && s.CustomerID != filter.CustomerID {
			continue
		}
		if filter.ProductID != "" && s.ProductID != filter.ProductID {
			continue
		}
		sales = append(sales, s)
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.After(sales[j].CreatedAt) })
	return paginate(sales, filter.Limit, filter.Offset), nil
}

func (r *memoryRepository) SalesExistForOrder(ctx context.Context, tx Tx, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sales {
		if s.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) CreateOrder(ctx context.Context, tx Tx, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *o
	stored.Lines = append([]OrderLine(nil), o.Lines...)
	r.orders[o.ID] = stored
	return nil
}

func (r *memoryRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Lines = append([]OrderLine(nil), o.Lines...)
	return &o, nil
}

func (r *memoryRepository) GetOrderForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error) {
	return r.GetOrder(ctx, orderID)
}

func (r *memoryRepository) SaveOrderStatus(ctx context.Context, tx Tx, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	stored.Status = o.Status
	if o.PaymentID != "" {
		stored.PaymentID = o.PaymentID
	}
	r.orders[o.ID] = stored
	return nil
}

func (r *memoryRepository) SetOrderPreference(ctx context.Context, orderID, preferenceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	stored.PreferenceID = preferenceID
	r.orders[orderID] = stored
	return nil
}

func (r *memoryRepository) ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0)
	for id, o := range r.orders {
		if o.Status == OrderStatusPending && !o.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return paginate(ids, limit, 0), nil
}

func (r *memoryRepository) CreateExpense(ctx context.Context, e *Expense) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expenses[e.ID] = *e
	return nil
}

func (r *memoryRepository) GetExpense(ctx context.Context, expenseID string) (*Expense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.expenses[expenseID]
	if !ok {
		return nil, ErrExpenseNotFound
	}
	return &e, nil
}

func (r *memoryRepository) UpdateExpense(ctx context.Context, e *Expense) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.expenses[e.ID]
	if !ok {
		return ErrExpenseNotFound
	}
	if stored.Archived {
		return ErrExpenseArchived
	}
	r.expenses[e.ID] = *e
	return nil
}

func (r *memoryRepository) ArchiveExpense(ctx context.Context, expenseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.expenses[expenseID]
	if !ok {
		return ErrExpenseNotFound
	}
	if stored.Archived {
		return ErrExpenseArchived
	}
	stored.Archived = true
	r.expenses[expenseID] = stored
	return nil
}

func (r *memoryRepository) ListExpenses(ctx context.Context, filter ExpenseFilter) ([]Expense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expenses := make([]Expense, 0)
	for _, e := range r.expenses {
		if e.Archived && !filter.IncludeArchived {
			continue
		}
		if !filter.From.IsZero() && e.SpentAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.SpentAt.Before(filter.To) {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		expenses = append(expenses, e)
	}
	sort.Slice(expenses, func(i, j int) bool { return expenses[i].SpentAt.After(expenses[j].SpentAt) })
	return paginate(expenses, filter.Limit, filter.Offset), nil
}

func (r *memoryRepository) CreateUser(ctx context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(u.Email)
	for _, existing := range r.users {
		if existing.Email == email {
			return ErrEmailTaken
		}
	}
	stored := *u
	stored.Email = email
	r.users[u.ID] = stored
	return nil
}

func (r *memoryRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email = strings.ToLower(email)
	for _, u := range r.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memoryRepository) GetUserByID(ctx context.Context, userID string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *memoryRepository) Summary(ctx context.Context, from, to time.Time) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Summary{From: from, To: to, Revenue: decimal.Zero, Expenses: decimal.Zero}
	for _, sale := range r.sales {
		if sale.Archived || sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		s.Revenue = s.Revenue.Add(sale.Total)
		s.UnitsSold += sale.Quantity
		s.SalesCount++
	}
	for _, e := range r.expenses {
		if e.Archived || e.SpentAt.Before(from) || !e.SpentAt.Before(to) {
			continue
		}
		s.Expenses = s.Expenses.Add(e.Amount)
	}
	s.Net = s.Revenue.Sub(s.Expenses)
	return s, nil
}

// stock returns the stored stock of a product.
func (r *memoryRepository) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := r.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

func (r *memoryRepository) countSales() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sales)
}

func seedProduct(t *testing.T, repo *memoryRepository, name, price string, stock int) *Product {
	t.Helper()
	p := NewProduct(name, decimal.RequireFromString(price), DefaultCurrency, stock)
	require.NoError(t, repo.CreateProduct(context.Background(), p))
	return p
}

// MockPaymentGateway simulates the payment provider
type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) CreatePreference(ctx context.Context, order *Order) (*Preference, error) {
	args := m.Called(ctx, order)
	if p := args.Get(0); p != nil {
		return p.(*Preference), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPaymentGateway) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	args := m.Called(ctx, paymentID)
	if p := args.Get(0); p != nil {
		return p.(*Payment), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockMailer records confirmation emails
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendOrderConfirmation(ctx context.Context, order *Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

type memoryEventStore struct {
	mu     sync.Mutex
	events []PaymentEvent
}

func (s *memoryEventStore) Record(ctx context.Context, event PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryEventStore) List(ctx context.Context, limit int) ([]PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PaymentEvent(nil), s.events...), nil
}
