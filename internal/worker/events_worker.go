// Package worker contains the events worker, which drains the audit queue
// into the events table.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/storage"
)

// EventStore is the audit log the worker appends to.
type EventStore interface {
	InsertEvent(ctx context.Context, e storage.Event) error
}

// EventConsumer is the queue side, satisfied by the AMQP client.
type EventConsumer interface {
	Consume(ctx context.Context, handler func(routingKey string, body []byte) error) error
}

// EventsWorker consumes audit events from the broker and persists them.
// Handler errors requeue the delivery, so a transient database failure does
// not lose events.
type EventsWorker struct {
	consumer EventConsumer
	store    EventStore
	logger   *log.Logger
}

func NewEventsWorker(consumer EventConsumer, store EventStore, logger *log.Logger) *EventsWorker {
	return &EventsWorker{
		consumer: consumer,
		store:    store,
		logger:   logger.WithComponent(log.ComponentWorker),
	}
}

func (w *EventsWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Events worker started")
	return w.consumer.Consume(ctx, w.handle)
}

func (w *EventsWorker) handle(routingKey string, body []byte) error {
	ctx := context.Background()

	eventID, err := extractEventID(routingKey, body)
	if err != nil {
		// Undecodable payloads are logged and dropped, not requeued.
		w.logger.Error("Dropping malformed audit event",
			"routing_key", routingKey,
			log.FieldError, err)
		return nil
	}

	err = w.store.InsertEvent(ctx, storage.Event{
		ID:        eventID,
		Type:      routingKey,
		Data:      string(body),
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, storage.ErrDuplicateEvent) {
		// The broker redelivers when an ack is lost after a successful
		// insert. The event is already on file, so ack and move on.
		w.logger.DebugContext(ctx, "Audit event already recorded",
			"event_id", eventID,
			"routing_key", routingKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist audit event: %w", err)
	}

	w.logger.InfoContext(ctx, "Audit event recorded",
		"event_id", eventID,
		"routing_key", routingKey)
	return nil
}

func extractEventID(routingKey string, body []byte) (string, error) {
	switch routingKey {
	case amqp.RoutingKeyExpenseCreated:
		msg, err := amqp.ExpenseCreatedMessageFromJSON(body)
		if err != nil {
			return "", err
		}
		return msg.EventID, nil
	case amqp.RoutingKeyBudgetAlert:
		msg, err := amqp.BudgetAlertMessageFromJSON(body)
		if err != nil {
			return "", err
		}
		return msg.EventID, nil
	default:
		var envelope struct {
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return "", err
		}
		if envelope.EventID == "" {
			return "", fmt.Errorf("event without event_id on routing key %q", routingKey)
		}
		return envelope.EventID, nil
	}
}
