package services

import (
	"context"
	"fmt"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/core"
	"github.com/B377z/expense-tracker/internal/log"
)

// ExpenseService records manual expenses and triggers the budget check the
// same way the processing engine does for recurring ones.
type ExpenseService struct {
	store     ExpenseStore
	evaluator ThresholdEvaluator
	publisher EventPublisher
	logger    *log.Logger
}

func NewExpenseService(store ExpenseStore, evaluator ThresholdEvaluator, publisher EventPublisher, logger *log.Logger) *ExpenseService {
	return &ExpenseService{
		store:     store,
		evaluator: evaluator,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentApp),
	}
}

// CreateExpense validates and stores an expense, then evaluates the user's
// budget for its category. The evaluation never fails the creation: the
// expense is durable by the time thresholds are checked.
func (s *ExpenseService) CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	if err := e.Validate(); err != nil {
		return core.Expense{}, fmt.Errorf("validate expense: %w", err)
	}

	id, err := s.store.InsertExpense(ctx, e)
	if err != nil {
		return core.Expense{}, fmt.Errorf("insert expense: %w", err)
	}
	e.ID = id

	if s.publisher != nil {
		msg := amqp.NewExpenseCreatedMessage(e.UserID, e.ID, e.Amount.Cents,
			e.Category, e.Description, "manual", e.OccurredAt)
		if err := s.publisher.PublishExpenseCreated(ctx, msg); err != nil {
			s.logger.WarnContext(ctx, "Failed to publish expense event",
				log.FieldExpenseID, e.ID,
				log.FieldError, err)
		}
	}

	if s.evaluator != nil {
		if _, err := s.evaluator.Evaluate(ctx, e.UserID, e.Category, e.OccurredAt); err != nil {
			s.logger.ErrorContext(ctx, "Budget evaluation failed",
				log.FieldUserID, e.UserID,
				log.FieldCategory, e.Category,
				log.FieldError, err)
		}
	}

	return e, nil
}
