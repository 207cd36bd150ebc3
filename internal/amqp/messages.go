package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Routing keys for audit events.
const (
	RoutingKeyExpenseCreated = "expense.created"
	RoutingKeyBudgetAlert    = "budget.alert"
)

// ExpenseCreatedMessage announces a newly recorded expense. The events worker
// appends it to the audit log.
type ExpenseCreatedMessage struct {
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id"`
	ExpenseID   int64     `json:"expense_id"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
	Source      string    `json:"source"` // "manual" or "recurring"
	Timestamp   time.Time `json:"timestamp"`
}

func NewExpenseCreatedMessage(userID string, expenseID, amountCents int64, category, description, source string, occurredAt time.Time) *ExpenseCreatedMessage {
	return &ExpenseCreatedMessage{
		EventID:     uuid.NewString(),
		UserID:      userID,
		ExpenseID:   expenseID,
		AmountCents: amountCents,
		Category:    category,
		Description: description,
		OccurredAt:  occurredAt,
		Source:      source,
		Timestamp:   time.Now(),
	}
}

func (m *ExpenseCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ExpenseCreatedMessageFromJSON(data []byte) (*ExpenseCreatedMessage, error) {
	var msg ExpenseCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// BudgetAlertMessage announces a threshold crossing for a user's category
// spend in the current month.
type BudgetAlertMessage struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Category   string    `json:"category"`
	Level      string    `json:"level"` // "approaching" or "exceeded"
	SpendCents int64     `json:"spend_cents"`
	LimitCents int64     `json:"limit_cents"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewBudgetAlertMessage(userID, category, level string, spendCents, limitCents int64) *BudgetAlertMessage {
	return &BudgetAlertMessage{
		EventID:    uuid.NewString(),
		UserID:     userID,
		Category:   category,
		Level:      level,
		SpendCents: spendCents,
		LimitCents: limitCents,
		Timestamp:  time.Now(),
	}
}

func (m *BudgetAlertMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func BudgetAlertMessageFromJSON(data []byte) (*BudgetAlertMessage, error) {
	var msg BudgetAlertMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
