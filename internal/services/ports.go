// Package services holds the processing engine and the budget threshold
// evaluator.
package services

import (
	"context"
	"time"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/core"
)

// ObligationStore is the durable schedule the processing engine drains.
type ObligationStore interface {
	FindDue(ctx context.Context, asOf time.Time) ([]core.Obligation, error)
	MaterializeOccurrence(ctx context.Context, o core.Obligation, occurredAt, newNextDue time.Time) (core.Expense, error)
}

// BudgetStore answers limit lookups and spend aggregation for the evaluator.
type BudgetStore interface {
	FindBudgetLimit(ctx context.Context, userID, category string) (*core.BudgetLimit, error)
	SumSpend(ctx context.Context, userID, category string, from, to time.Time) (core.Money, error)
}

// ExpenseStore persists realized expenses.
type ExpenseStore interface {
	InsertExpense(ctx context.Context, e core.Expense) (int64, error)
}

// NotificationSink records user-facing alerts.
type NotificationSink interface {
	InsertNotification(ctx context.Context, n core.Notification) (int64, error)
}

// EventPublisher emits audit events. Implementations may fail transiently;
// callers treat publishing as best-effort.
type EventPublisher interface {
	PublishExpenseCreated(ctx context.Context, msg *amqp.ExpenseCreatedMessage) error
	PublishBudgetAlert(ctx context.Context, msg *amqp.BudgetAlertMessage) error
}
