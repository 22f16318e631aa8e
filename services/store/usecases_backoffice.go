package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ExpenseInput is the editable part of an expense.
type ExpenseInput struct {
	Description string          `json:"description" binding:"required"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	SpentAt     string          `json:"spent_at"`
}

func (in ExpenseInput) validate() (time.Time, error) {
	if strings.TrimSpace(in.Description) == "" {
		return time.Time{}, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return time.Time{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	spentAt, err := parseDate(in.SpentAt)
	if err != nil {
		return time.Time{}, err
	}
	return spentAt, nil
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates. An empty
// string is the zero time.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrInvalidInput, value)
	}
	return t, nil
}

// parseEndDate parses an exclusive upper bound. A plain date covers the
// whole day, so it becomes the following midnight.
func parseEndDate(value string) (time.Time, error) {
	t, err := parseDate(value)
	if err != nil || t.IsZero() {
		return t, err
	}
	if _, dateErr := time.Parse(time.DateOnly, strings.TrimSpace(value)); dateErr == nil {
		return t.AddDate(0, 0, 1), nil
	}
	return t, nil
}

// ExpenseUseCase manages back-office expenses (gastos).
type ExpenseUseCase struct {
	repository Repository
}

func NewExpenseUseCase(repository Repository) *ExpenseUseCase {
	return &ExpenseUseCase{repository: repository}
}

func (uc *ExpenseUseCase) CreateExpense(ctx context.Context, in ExpenseInput) (*Expense, error) {
	spentAt, err := in.validate()
	if err != nil {
		return nil, err
	}

	expense := NewExpense(strings.TrimSpace(in.Description), in.Category, in.Amount, strings.ToUpper(in.Currency), spentAt)
	if err := uc.repository.CreateExpense(ctx, expense); err != nil {
		return nil, fmt.Errorf("failed to create expense: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("expense_id", expense.ID).Str("amount", expense.Amount.String()).Msg("🧾 [EXPENSE] Created")
	return expense, nil
}

func (uc *ExpenseUseCase) GetExpense(ctx context.Context, expenseID string) (*Expense, error) {
	return uc.repository.GetExpense(ctx, expenseID)
}

func (uc *ExpenseUseCase) ListExpenses(ctx context.Context, filter ExpenseFilter) ([]Expense, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidInput)
	}
	return uc.repository.ListExpenses(ctx, filter)
}

// UpdateExpense edits a live expense. Archived expenses are read-only.
func (uc *ExpenseUseCase) UpdateExpense(ctx context.Context, expenseID string, in ExpenseInput) (*Expense, error) {
	spentAt, err := in.validate()
	if err != nil {
		return nil, err
	}

	expense, err := uc.repository.GetExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if expense.Archived {
		return nil, ErrExpenseArchived
	}

	expense.Description = strings.TrimSpace(in.Description)
	expense.Category = in.Category
	expense.Amount = in.Amount
	if in.Currency != "" {
		expense.Currency = strings.ToUpper(in.Currency)
	}
	if !spentAt.IsZero() {
		expense.SpentAt = spentAt
	}

	if err := uc.repository.UpdateExpense(ctx, expense); err != nil {
		return nil, err
	}
	return expense, nil
}

// ArchiveExpense archives an expense once.
func (uc *ExpenseUseCase) ArchiveExpense(ctx context.Context, expenseID string) error {
	if err := uc.repository.ArchiveExpense(ctx, expenseID); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("expense_id", expenseID).Msg("🗄️ [EXPENSE] Archived")
	return nil
}

// ReportUseCase builds back-office figures.
type ReportUseCase struct {
	repository Repository
	now        func() time.Time
}

func NewReportUseCase(repository Repository) *ReportUseCase {
	return &ReportUseCase{repository: repository, now: time.Now}
}

const defaultSummaryWindow = 30 * 24 * time.Hour

// Summary returns the balance for [from, to). A zero to means now and a zero
// from means thirty days before to.
func (uc *ReportUseCase) Summary(ctx context.Context, from, to time.Time) (*Summary, error) {
	if to.IsZero() {
		to = uc.now()
	}
	if from.IsZero() {
		from = to.Add(-defaultSummaryWindow)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidInput)
	}
	return uc.repository.Summary(ctx, from, to)
}
