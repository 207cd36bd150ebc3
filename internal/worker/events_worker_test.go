package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/storage"
)

type fakeEventStore struct {
	events []storage.Event
	err    error
}

func (f *fakeEventStore) InsertEvent(_ context.Context, e storage.Event) error {
	if f.err != nil {
		return f.err
	}
	for _, existing := range f.events {
		if existing.ID == e.ID {
			return storage.ErrDuplicateEvent
		}
	}
	f.events = append(f.events, e)
	return nil
}

type delivery struct {
	key  string
	body []byte
}

type fakeConsumer struct {
	deliveries  []delivery
	handlerErrs []error
}

func (f *fakeConsumer) Consume(_ context.Context, handler func(string, []byte) error) error {
	for _, d := range f.deliveries {
		f.handlerErrs = append(f.handlerErrs, handler(d.key, d.body))
	}
	return nil
}

func testLogger() *log.Logger {
	return log.New(log.Config{Level: slog.LevelError})
}

func TestEventsWorker_PersistsEvents(t *testing.T) {
	expenseMsg := amqp.NewExpenseCreatedMessage("user-1", 7, 1500, "rent", "Monthly rent", "recurring", time.Now())
	expenseBody, _ := expenseMsg.ToJSON()
	alertMsg := amqp.NewBudgetAlertMessage("user-1", "food", "exceeded", 11000, 10000)
	alertBody, _ := alertMsg.ToJSON()

	consumer := &fakeConsumer{deliveries: []delivery{
		{amqp.RoutingKeyExpenseCreated, expenseBody},
		{amqp.RoutingKeyBudgetAlert, alertBody},
	}}

	store := &fakeEventStore{}
	w := NewEventsWorker(consumer, store, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(store.events) != 2 {
		t.Fatalf("persisted %d events, want 2", len(store.events))
	}
	if store.events[0].ID != expenseMsg.EventID || store.events[0].Type != amqp.RoutingKeyExpenseCreated {
		t.Errorf("first event = %+v", store.events[0])
	}
	if store.events[1].ID != alertMsg.EventID || store.events[1].Type != amqp.RoutingKeyBudgetAlert {
		t.Errorf("second event = %+v", store.events[1])
	}
}

func TestEventsWorker_MalformedPayloadDropped(t *testing.T) {
	consumer := &fakeConsumer{deliveries: []delivery{
		{amqp.RoutingKeyExpenseCreated, []byte("not json")},
	}}

	store := &fakeEventStore{}
	w := NewEventsWorker(consumer, store, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(consumer.handlerErrs) != 1 || consumer.handlerErrs[0] != nil {
		t.Errorf("handler errs = %v, want single nil (drop without requeue)", consumer.handlerErrs)
	}
	if len(store.events) != 0 {
		t.Errorf("persisted %d events, want 0", len(store.events))
	}
}

func TestEventsWorker_DuplicateDeliveryAcked(t *testing.T) {
	msg := amqp.NewExpenseCreatedMessage("user-1", 7, 1500, "rent", "Monthly rent", "recurring", time.Now())
	body, _ := msg.ToJSON()

	// The broker redelivers the same message when an ack is lost after a
	// successful insert. The second delivery must ack, not requeue forever.
	consumer := &fakeConsumer{deliveries: []delivery{
		{amqp.RoutingKeyExpenseCreated, body},
		{amqp.RoutingKeyExpenseCreated, body},
	}}

	store := &fakeEventStore{}
	w := NewEventsWorker(consumer, store, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(consumer.handlerErrs) != 2 {
		t.Fatalf("handled %d deliveries, want 2", len(consumer.handlerErrs))
	}
	for i, err := range consumer.handlerErrs {
		if err != nil {
			t.Errorf("delivery %d: handler err = %v, want nil (ack)", i, err)
		}
	}
	if len(store.events) != 1 {
		t.Errorf("persisted %d events, want 1", len(store.events))
	}
}

func TestEventsWorker_StoreFailureRequeues(t *testing.T) {
	msg := amqp.NewBudgetAlertMessage("user-1", "food", "exceeded", 11000, 10000)
	body, _ := msg.ToJSON()

	consumer := &fakeConsumer{deliveries: []delivery{
		{amqp.RoutingKeyBudgetAlert, body},
	}}

	store := &fakeEventStore{err: errors.New("db locked")}
	w := NewEventsWorker(consumer, store, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(consumer.handlerErrs) != 1 || consumer.handlerErrs[0] == nil {
		t.Errorf("handler errs = %v, want single non-nil (requeue)", consumer.handlerErrs)
	}
}
