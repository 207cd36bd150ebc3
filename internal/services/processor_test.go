package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/B377z/expense-tracker/internal/core"
	"github.com/B377z/expense-tracker/internal/storage"
)

// fakeObligationStore mimics the repository's conditional-advance semantics:
// an occurrence materializes only when the caller's snapshot of next_due still
// matches the stored row.
type fakeObligationStore struct {
	mu          sync.Mutex
	obligations map[int64]core.Obligation
	expenses    []core.Expense
	nextID      int64
	findErr     error
	matErr      error
}

func newFakeObligationStore(obs ...core.Obligation) *fakeObligationStore {
	s := &fakeObligationStore{obligations: make(map[int64]core.Obligation)}
	for _, o := range obs {
		s.obligations[o.ID] = o
	}
	return s
}

func (s *fakeObligationStore) FindDue(_ context.Context, asOf time.Time) ([]core.Obligation, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []core.Obligation
	for _, o := range s.obligations {
		if !o.NextDue.After(asOf) {
			due = append(due, o)
		}
	}
	return due, nil
}

func (s *fakeObligationStore) MaterializeOccurrence(_ context.Context, o core.Obligation, occurredAt, newNextDue time.Time) (core.Expense, error) {
	if s.matErr != nil {
		return core.Expense{}, s.matErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.obligations[o.ID]
	if !ok || !current.NextDue.Equal(o.NextDue) {
		return core.Expense{}, storage.ErrStaleObligation
	}

	current.NextDue = newNextDue
	s.obligations[o.ID] = current

	s.nextID++
	expense := core.Expense{
		ID:          s.nextID,
		UserID:      o.UserID,
		Amount:      o.Amount,
		Category:    o.Category,
		Description: o.Description,
		OccurredAt:  occurredAt,
	}
	s.expenses = append(s.expenses, expense)
	return expense, nil
}

func monthlyObligation(id int64, nextDue time.Time) core.Obligation {
	return core.Obligation{
		ID:          id,
		UserID:      "user-1",
		Amount:      core.Money{Cents: 1500},
		Category:    "rent",
		Description: "Monthly rent",
		Cadence:     core.Monthly,
		NextDue:     nextDue,
	}
}

func TestProcessor_ProcessDue(t *testing.T) {
	asOf := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("single due obligation", func(t *testing.T) {
		store := newFakeObligationStore(monthlyObligation(1, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
		pub := &fakePublisher{}
		p := NewProcessor(store, nil, pub, testLogger())

		created, err := p.ProcessDue(context.Background(), asOf)
		if err != nil {
			t.Fatalf("ProcessDue() error = %v", err)
		}
		if len(created) != 1 {
			t.Fatalf("created %d expenses, want 1", len(created))
		}
		if !created[0].OccurredAt.Equal(asOf) {
			t.Errorf("OccurredAt = %v, want processing time %v", created[0].OccurredAt, asOf)
		}

		ob := store.obligations[1]
		want := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
		if !ob.NextDue.Equal(want) {
			t.Errorf("NextDue = %v, want %v", ob.NextDue, want)
		}
		if len(pub.expenses) != 1 || pub.expenses[0].Source != "recurring" {
			t.Errorf("published = %+v, want one recurring event", pub.expenses)
		}
	})

	t.Run("not yet due", func(t *testing.T) {
		store := newFakeObligationStore(monthlyObligation(1, asOf.AddDate(0, 0, 1)))
		p := NewProcessor(store, nil, nil, testLogger())

		created, err := p.ProcessDue(context.Background(), asOf)
		if err != nil {
			t.Fatalf("ProcessDue() error = %v", err)
		}
		if len(created) != 0 {
			t.Errorf("created %d expenses, want 0", len(created))
		}
	})

	t.Run("overdue obligation converges one step per invocation", func(t *testing.T) {
		// Due since January; three invocations emit exactly one expense each,
		// the fourth finds nothing to do.
		store := newFakeObligationStore(monthlyObligation(1, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
		p := NewProcessor(store, nil, nil, testLogger())

		for i := 1; i <= 3; i++ {
			created, err := p.ProcessDue(context.Background(), asOf)
			if err != nil {
				t.Fatalf("ProcessDue() run %d error = %v", i, err)
			}
			if len(created) != 1 {
				t.Fatalf("run %d created %d expenses, want 1", i, len(created))
			}
		}

		created, err := p.ProcessDue(context.Background(), asOf)
		if err != nil {
			t.Fatalf("ProcessDue() final run error = %v", err)
		}
		if len(created) != 0 {
			t.Errorf("final run created %d expenses, want 0", len(created))
		}

		ob := store.obligations[1]
		want := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
		if !ob.NextDue.Equal(want) {
			t.Errorf("NextDue = %v, want %v", ob.NextDue, want)
		}
		if len(store.expenses) != 3 {
			t.Errorf("total expenses = %d, want 3", len(store.expenses))
		}
	})

	t.Run("concurrent invocations never double-emit", func(t *testing.T) {
		store := newFakeObligationStore(
			monthlyObligation(1, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
			monthlyObligation(2, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)),
		)
		p := NewProcessor(store, nil, nil, testLogger())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := p.ProcessDue(context.Background(), asOf); err != nil {
					t.Errorf("ProcessDue() error = %v", err)
				}
			}()
		}
		wg.Wait()

		if len(store.expenses) != 2 {
			t.Errorf("total expenses = %d, want exactly 2 (one per obligation)", len(store.expenses))
		}
	})

	t.Run("invalid cadence is skipped, batch survives", func(t *testing.T) {
		bad := monthlyObligation(1, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
		bad.Cadence = "fortnightly"
		good := monthlyObligation(2, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
		store := newFakeObligationStore(bad, good)
		p := NewProcessor(store, nil, nil, testLogger())

		created, err := p.ProcessDue(context.Background(), asOf)
		if err != nil {
			t.Fatalf("ProcessDue() error = %v", err)
		}
		if len(created) != 1 || created[0].ID == 0 {
			t.Fatalf("created = %+v, want one expense from the valid obligation", created)
		}
		if !store.obligations[1].NextDue.Equal(bad.NextDue) {
			t.Error("invalid obligation's schedule must not advance")
		}
	})

	t.Run("materialize failure skips only that obligation", func(t *testing.T) {
		store := newFakeObligationStore(monthlyObligation(1, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
		store.matErr = errors.New("disk full")
		p := NewProcessor(store, nil, nil, testLogger())

		created, err := p.ProcessDue(context.Background(), asOf)
		if err != nil {
			t.Fatalf("ProcessDue() error = %v, per-obligation failures must not abort", err)
		}
		if len(created) != 0 {
			t.Errorf("created %d expenses, want 0", len(created))
		}
	})

	t.Run("due query failure aborts", func(t *testing.T) {
		store := newFakeObligationStore()
		store.findErr = errors.New("db unavailable")
		p := NewProcessor(store, nil, nil, testLogger())

		if _, err := p.ProcessDue(context.Background(), asOf); err == nil {
			t.Error("ProcessDue() error = nil, want due query failure")
		}
	})
}

func TestProcessor_TriggersEvaluation(t *testing.T) {
	asOf := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	windowStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	budgets := &fakeBudgetStore{
		limits: map[string]core.BudgetLimit{
			"user-1/rent": {UserID: "user-1", Category: "rent", Limit: core.Money{Cents: 1000}},
		},
	}
	sink := &fakeNotificationSink{}
	evaluator := NewBudgetEvaluator(budgets, sink, nil, testLogger())

	store := newFakeObligationStore(monthlyObligation(1, windowStart))
	p := NewProcessor(store, evaluatorWithSpendMirror{evaluator, budgets, store}, nil, testLogger())

	created, err := p.ProcessDue(context.Background(), asOf)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d expenses, want 1", len(created))
	}
	if len(sink.notifications) != 1 {
		t.Fatalf("got %d notifications, want 1 (1500 spent against 1000 limit)", len(sink.notifications))
	}
	if sink.notifications[0].Message != "You have exceeded your budget limit for rent." {
		t.Errorf("message = %q", sink.notifications[0].Message)
	}
}

// evaluatorWithSpendMirror copies materialized expenses into the budget store
// before evaluating, standing in for the shared database both sides use in
// production.
type evaluatorWithSpendMirror struct {
	inner   *BudgetEvaluator
	budgets *fakeBudgetStore
	store   *fakeObligationStore
}

func (e evaluatorWithSpendMirror) Evaluate(ctx context.Context, userID, category string, asOf time.Time) (Decision, error) {
	e.store.mu.Lock()
	expenses := append([]core.Expense(nil), e.store.expenses...)
	e.store.mu.Unlock()

	e.budgets.mu.Lock()
	e.budgets.expenses = expenses
	e.budgets.mu.Unlock()

	return e.inner.Evaluate(ctx, userID, category, asOf)
}
