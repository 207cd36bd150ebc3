package services

import (
	"context"
	"fmt"
	"time"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/core"
	"github.com/B377z/expense-tracker/internal/log"
)

// Decision is the outcome of a budget threshold evaluation.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionApproaching
	DecisionExceeded
)

func (d Decision) String() string {
	switch d {
	case DecisionApproaching:
		return "approaching"
	case DecisionExceeded:
		return "exceeded"
	default:
		return "none"
	}
}

// Decide classifies a month-to-date spend against a limit. Exceeded wins over
// approaching; the 90% comparison is done in integer arithmetic so boundary
// amounts never suffer float rounding.
func Decide(spend, limit core.Money) Decision {
	if spend.Cents > limit.Cents {
		return DecisionExceeded
	}
	if spend.Cents*10 > limit.Cents*9 {
		return DecisionApproaching
	}
	return DecisionNone
}

// BudgetEvaluator re-checks a user's category spend against their configured
// limit every time an expense lands. It keeps no state between evaluations:
// the window and the spend are recomputed from storage each call, so every
// crossing produces a fresh notification.
type BudgetEvaluator struct {
	budgets       BudgetStore
	notifications NotificationSink
	publisher     EventPublisher
	logger        *log.Logger
}

func NewBudgetEvaluator(budgets BudgetStore, notifications NotificationSink, publisher EventPublisher, logger *log.Logger) *BudgetEvaluator {
	return &BudgetEvaluator{
		budgets:       budgets,
		notifications: notifications,
		publisher:     publisher,
		logger:        logger.WithComponent(log.ComponentEvaluator),
	}
}

// Evaluate sums the user's category spend from the first of asOf's month
// through asOf and classifies it against the configured limit. A crossing
// writes a notification; notification and publish failures are logged and
// swallowed so they never undo the expense that triggered the check.
func (e *BudgetEvaluator) Evaluate(ctx context.Context, userID, category string, asOf time.Time) (Decision, error) {
	limit, err := e.budgets.FindBudgetLimit(ctx, userID, category)
	if err != nil {
		return DecisionNone, fmt.Errorf("find budget limit: %w", err)
	}
	if limit == nil {
		return DecisionNone, nil
	}

	from, to := core.MonthWindow(asOf)
	spend, err := e.budgets.SumSpend(ctx, userID, category, from, to)
	if err != nil {
		return DecisionNone, fmt.Errorf("sum spend: %w", err)
	}

	decision := Decide(spend, limit.Limit)
	if decision == DecisionNone {
		return DecisionNone, nil
	}

	var message string
	switch decision {
	case DecisionExceeded:
		message = fmt.Sprintf("You have exceeded your budget limit for %s.", category)
	case DecisionApproaching:
		message = fmt.Sprintf("You are close to exceeding your budget limit for %s.", category)
	}

	e.logger.InfoContext(ctx, "Budget threshold crossed",
		log.FieldUserID, userID,
		log.FieldCategory, category,
		"decision", decision.String(),
		"spend_cents", spend.Cents,
		"limit_cents", limit.Limit.Cents)

	if _, err := e.notifications.InsertNotification(ctx, core.Notification{
		UserID:    userID,
		Message:   message,
		CreatedAt: asOf,
	}); err != nil {
		e.logger.ErrorContext(ctx, "Failed to store budget notification",
			log.FieldUserID, userID,
			log.FieldCategory, category,
			log.FieldError, err)
	}

	if e.publisher != nil {
		alert := amqp.NewBudgetAlertMessage(userID, category, decision.String(), spend.Cents, limit.Limit.Cents)
		if err := e.publisher.PublishBudgetAlert(ctx, alert); err != nil {
			e.logger.WarnContext(ctx, "Failed to publish budget alert",
				log.FieldUserID, userID,
				log.FieldCategory, category,
				log.FieldError, err)
		}
	}

	return decision, nil
}
