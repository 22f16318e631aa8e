package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// ExpenseRepository covers expenses (gastos).
type ExpenseRepository interface {
	CreateExpense(ctx context.Context, expense *Expense) error
	GetExpense(ctx context.Context, expenseID string) (*Expense, error)
	UpdateExpense(ctx context.Context, expense *Expense) error
	ArchiveExpense(ctx context.Context, expenseID string) error
	ListExpenses(ctx context.Context, filter ExpenseFilter) ([]Expense, error)
}

// UserRepository covers store accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)
}

// ReportRepository aggregates back-office figures.
type ReportRepository interface {
	Summary(ctx context.Context, from, to time.Time) (*Summary, error)
}

// ExpenseFilter narrows expense listings. Zero times are open bounds.
type ExpenseFilter struct {
	From            time.Time
	To              time.Time
	Category        string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Summary is the revenue / expense balance for a period.
type Summary struct {
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Revenue    decimal.Decimal `json:"revenue"`
	Expenses   decimal.Decimal `json:"expenses"`
	Net        decimal.Decimal `json:"net"`
	UnitsSold  int             `json:"units_sold"`
	SalesCount int             `json:"sales_count"`
}

const expenseColumns = `id, description, category, amount, currency, spent_at, archived, created_at`

func scanExpense(row pgx.Row) (*Expense, error) {
	var e Expense
	err := row.Scan(&e.ID, &e.Description, &e.Category, &e.Amount, &e.Currency, &e.SpentAt, &e.Archived, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExpenseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateExpense inserts a new expense.
func (r *PostgresRepository) CreateExpense(ctx context.Context, e *Expense) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO expenses (id, description, category, amount, currency, spent_at, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, e.ID, e.Description, e.Category, e.Amount, e.Currency, e.SpentAt, e.CreatedAt)
	return err
}

// GetExpense fetches an expense by id.
func (r *PostgresRepository) GetExpense(ctx context.Context, expenseID string) (*Expense, error) {
	if !isUUID(expenseID) {
		return nil, ErrExpenseNotFound
	}
	return scanExpense(r.db.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = $1`, expenseID))
}

// UpdateExpense overwrites the editable fields of a live expense.
func (r *PostgresRepository) UpdateExpense(ctx context.Context, e *Expense) error {
	if !isUUID(e.ID) {
		return ErrExpenseNotFound
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE expenses
		SET description = $2, category = $3, amount = $4, currency = $5, spent_at = $6
		WHERE id = $1 AND archived = FALSE
	`, e.ID, e.Description, e.Category, e.Amount, e.Currency, e.SpentAt)
	if err != nil {
		return fmt.Errorf("failed to update expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.expenseMissOrArchived(ctx, e.ID)
	}
	return nil
}

// ArchiveExpense flips the archived flag once.
func (r *PostgresRepository) ArchiveExpense(ctx context.Context, expenseID string) error {
	if !isUUID(expenseID) {
		return ErrExpenseNotFound
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE expenses SET archived = TRUE WHERE id = $1 AND archived = FALSE
	`, expenseID)
	if err != nil {
		return fmt.Errorf("failed to archive expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.expenseMissOrArchived(ctx, expenseID)
	}
	return nil
}

func (r *PostgresRepository) expenseMissOrArchived(ctx context.Context, expenseID string) error {
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM expenses WHERE id = $1)", expenseID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrExpenseNotFound
	}
	return ErrExpenseArchived
}

// ListExpenses returns expenses most recent first.
func (r *PostgresRepository) ListExpenses(ctx context.Context, filter ExpenseFilter) ([]Expense, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if !filter.IncludeArchived {
		where = append(where, "archived = FALSE")
	}
	if !filter.From.IsZero() {
		add("spent_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("spent_at < $%d", filter.To)
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}

	query := `SELECT ` + expenseColumns + ` FROM expenses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" ORDER BY spent_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	expenses := make([]Expense, 0)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, *e)
	}
	return expenses, rows.Err()
}

const userColumns = `id, email, name, password_hash, role, provider, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.Provider, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user. A duplicate email maps to ErrEmailTaken.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, provider, created_at)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.Provider, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUserByEmail looks a user up case-insensitively.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = LOWER($1)`, email))
}

// GetUserByID fetches a user by id.
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID string) (*User, error) {
	if !isUUID(userID) {
		return nil, ErrUserNotFound
	}
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// Summary aggregates non-archived sales and expenses inside [from, to).
func (r *PostgresRepository) Summary(ctx context.Context, from, to time.Time) (*Summary, error) {
	s := &Summary{From: from, To: to}

	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(total), 0), COALESCE(SUM(quantity), 0), COUNT(*)
		FROM sales
		WHERE archived = FALSE AND created_at >= $1 AND created_at < $2
	`, from, to).Scan(&s.Revenue, &s.UnitsSold, &s.SalesCount)
	if err != nil {
		return nil, fmt.Errorf("failed to sum sales: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM expenses
		WHERE archived = FALSE AND spent_at >= $1 AND spent_at < $2
	`, from, to).Scan(&s.Expenses)
	if err != nil {
		return nil, fmt.Errorf("failed to sum expenses: %w", err)
	}

	s.Net = s.Revenue.Sub(s.Expenses)
	return s, nil
}
