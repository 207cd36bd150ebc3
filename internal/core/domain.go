package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
	Yearly  Cadence = "yearly"
)

type (
	// Cadence is the recurrence interval of an obligation.
	Cadence string

	Money struct {
		Cents int64 `json:"cents"`
	}

	// Obligation is a recurring transaction definition. NextDue is the sole
	// source of schedule truth: the processing engine advances it by exactly
	// one cadence step per materialized occurrence and never moves it backwards.
	Obligation struct {
		ID          int64     `json:"id,omitempty"`
		UserID      string    `json:"user_id"`
		Amount      Money     `json:"amount"`
		Category    string    `json:"category"`
		Description string    `json:"description"`
		Cadence     Cadence   `json:"cadence"`
		NextDue     time.Time `json:"next_due"`
	}

	// Expense is a realized spending event, immutable once created.
	// OccurredAt is the processing time, not the due time.
	Expense struct {
		ID          int64     `json:"id,omitempty"`
		UserID      string    `json:"user_id"`
		Amount      Money     `json:"amount"`
		Category    string    `json:"category"`
		Description string    `json:"description"`
		OccurredAt  time.Time `json:"occurred_at"`
	}

	// BudgetLimit is a per-category spending ceiling for one user.
	BudgetLimit struct {
		ID       int64  `json:"id,omitempty"`
		UserID   string `json:"user_id"`
		Category string `json:"category"`
		Limit    Money  `json:"limit"`
	}

	// Notification is an append-only user-facing alert. The only transition
	// is unread to read; the core never deletes notifications.
	Notification struct {
		ID        int64     `json:"id,omitempty"`
		UserID    string    `json:"user_id"`
		Message   string    `json:"message"`
		Read      bool      `json:"read"`
		CreatedAt time.Time `json:"created_at"`
	}

	// CategoryTotal is an amount aggregated by category name.
	CategoryTotal struct {
		Category string `json:"category"`
		Total    Money  `json:"total"`
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidCadence   = errors.New("invalid cadence")
	ErrEmptyDescription = errors.New("empty description")
	ErrEmptyCategory    = errors.New("empty category")
	ErrMissingUser      = errors.New("missing user id")
	ErrZeroNextDue      = errors.New("next due date cannot be zero")
)

// Valid reports whether c is one of the supported cadences.
func (c Cadence) Valid() bool {
	switch c {
	case Daily, Weekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

func (c Cadence) String() string {
	return string(c)
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (o Obligation) Validate() error {
	if strings.TrimSpace(o.UserID) == "" {
		return ErrMissingUser
	}
	if err := o.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(o.Category) == "" {
		return ErrEmptyCategory
	}
	if len(strings.TrimSpace(o.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(o.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if !o.Cadence.Valid() {
		return ErrInvalidCadence
	}
	if o.NextDue.IsZero() {
		return ErrZeroNextDue
	}
	return nil
}

func (e Expense) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return ErrMissingUser
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Category) == "" {
		return ErrEmptyCategory
	}
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	return nil
}

func (b BudgetLimit) Validate() error {
	if strings.TrimSpace(b.UserID) == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(b.Category) == "" {
		return ErrEmptyCategory
	}
	return b.Limit.Validate()
}
