package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/core"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/storage"
)

const defaultConcurrency = 4

// ThresholdEvaluator re-checks a user's budget after an expense is recorded.
type ThresholdEvaluator interface {
	Evaluate(ctx context.Context, userID, category string, asOf time.Time) (Decision, error)
}

// Processor drains due obligations: each invocation materializes at most one
// occurrence per obligation and advances its schedule by one cadence step.
// Obligations that are several steps behind converge over repeated
// invocations. Failures are isolated per obligation; one bad row never aborts
// the batch.
type Processor struct {
	store       ObligationStore
	evaluator   ThresholdEvaluator
	publisher   EventPublisher
	logger      *log.Logger
	concurrency int
}

func NewProcessor(store ObligationStore, evaluator ThresholdEvaluator, publisher EventPublisher, logger *log.Logger) *Processor {
	return &Processor{
		store:       store,
		evaluator:   evaluator,
		publisher:   publisher,
		logger:      logger.WithComponent(log.ComponentProcessor),
		concurrency: defaultConcurrency,
	}
}

// WithConcurrency bounds how many obligations are processed in parallel.
func (p *Processor) WithConcurrency(n int) *Processor {
	if n > 0 {
		p.concurrency = n
	}
	return p
}

// ProcessDue materializes one occurrence for every obligation due at or
// before asOf and returns the created expenses. A storage failure on the due
// query aborts the run; everything after that is per-obligation.
func (p *Processor) ProcessDue(ctx context.Context, asOf time.Time) ([]core.Expense, error) {
	due, err := p.store.FindDue(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("find due obligations: %w", err)
	}

	p.logger.InfoContext(ctx, "Processing due obligations",
		"due", len(due),
		"as_of", asOf.Format(time.RFC3339))

	var (
		mu      sync.Mutex
		created []core.Expense
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, ob := range due {
		ob := ob
		g.Go(func() error {
			expense, ok := p.processOne(gctx, ob, asOf)
			if ok {
				mu.Lock()
				created = append(created, expense)
				mu.Unlock()
			}
			// Per-obligation failures are logged, never propagated: an
			// errgroup error would cancel the rest of the batch.
			return nil
		})
	}
	g.Wait()

	p.logger.InfoContext(ctx, "Obligation processing complete",
		"processed", len(created),
		"total_due", len(due))

	return created, nil
}

func (p *Processor) processOne(ctx context.Context, ob core.Obligation, asOf time.Time) (core.Expense, bool) {
	next, err := core.Advance(ob.NextDue, ob.Cadence)
	if err != nil {
		p.logger.ErrorContext(ctx, "Skipping obligation with invalid cadence",
			log.FieldObligationID, ob.ID,
			log.FieldCadence, ob.Cadence,
			log.FieldError, err)
		return core.Expense{}, false
	}

	expense, err := p.store.MaterializeOccurrence(ctx, ob, asOf, next)
	if err != nil {
		if errors.Is(err, storage.ErrStaleObligation) {
			// Another invocation claimed this occurrence first.
			p.logger.DebugContext(ctx, "Obligation already advanced",
				log.FieldObligationID, ob.ID)
			return core.Expense{}, false
		}
		p.logger.ErrorContext(ctx, "Failed to materialize occurrence",
			log.FieldObligationID, ob.ID,
			log.FieldUserID, ob.UserID,
			log.FieldError, err)
		return core.Expense{}, false
	}

	if p.publisher != nil {
		msg := amqp.NewExpenseCreatedMessage(expense.UserID, expense.ID, expense.Amount.Cents,
			expense.Category, expense.Description, "recurring", expense.OccurredAt)
		if err := p.publisher.PublishExpenseCreated(ctx, msg); err != nil {
			p.logger.WarnContext(ctx, "Failed to publish expense event",
				log.FieldExpenseID, expense.ID,
				log.FieldError, err)
		}
	}

	if p.evaluator != nil {
		if _, err := p.evaluator.Evaluate(ctx, expense.UserID, expense.Category, asOf); err != nil {
			p.logger.ErrorContext(ctx, "Budget evaluation failed",
				log.FieldUserID, expense.UserID,
				log.FieldCategory, expense.Category,
				log.FieldError, err)
		}
	}

	return expense, true
}
