package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/B377z/expense-tracker/internal/auth"
	"github.com/B377z/expense-tracker/internal/core"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/services"
	"github.com/B377z/expense-tracker/internal/storage"
)

type testEnv struct {
	server *Server
	store  *storage.SQLiteRepository
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := log.New(log.Config{Level: slog.LevelError})
	authRepo := auth.NewRepository(store.DB())
	evaluator := services.NewBudgetEvaluator(store, store, nil, logger)
	expenses := services.NewExpenseService(store, evaluator, nil, logger)
	processor := services.NewProcessor(store, evaluator, nil, logger)

	server := NewServer(":0", store, authRepo, expenses, processor, time.Minute, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	env := &testEnv{server: server, store: store}

	env.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "test@example.com", "password": "s3cretpass",
	}, http.StatusCreated, nil)

	var login struct {
		Token string `json:"token"`
	}
	env.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "test@example.com", "password": "s3cretpass",
	}, http.StatusOK, &login)
	if login.Token == "" {
		t.Fatal("login returned empty token")
	}
	env.token = login.Token

	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()

	e.server.Handler.ServeHTTP(rec, req)

	if rec.Code != wantStatus {
		t.Fatalf("%s %s status = %d, want %d (body: %s)", method, path, rec.Code, wantStatus, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
		}
	}
}

func TestAPI_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""

	env.do(t, http.MethodGet, "/api/expenses", nil, http.StatusUnauthorized, nil)
	env.do(t, http.MethodPost, "/api/recurring/process", nil, http.StatusUnauthorized, nil)
}

func TestAPI_ExpensesAndSummary(t *testing.T) {
	env := newTestEnv(t)

	var created core.Expense
	env.do(t, http.MethodPost, "/api/expenses", map[string]string{
		"amount": "12.34", "category": "food", "description": "Groceries",
	}, http.StatusCreated, &created)
	if created.Amount.Cents != 1234 {
		t.Errorf("created amount = %d cents, want 1234", created.Amount.Cents)
	}

	env.do(t, http.MethodPost, "/api/expenses", map[string]string{
		"amount": "5.00", "category": "travel", "description": "Bus ticket",
	}, http.StatusCreated, nil)

	var listed []core.Expense
	env.do(t, http.MethodGet, "/api/expenses?category=food", nil, http.StatusOK, &listed)
	if len(listed) != 1 || listed[0].Category != "food" {
		t.Errorf("filtered list = %+v, want single food expense", listed)
	}

	var summary struct {
		Total      core.Money           `json:"total"`
		ByCategory []core.CategoryTotal `json:"by_category"`
	}
	env.do(t, http.MethodGet, "/api/summary", nil, http.StatusOK, &summary)
	if summary.Total.Cents != 1734 {
		t.Errorf("summary total = %d cents, want 1734", summary.Total.Cents)
	}
	if len(summary.ByCategory) != 2 {
		t.Errorf("summary categories = %d, want 2", len(summary.ByCategory))
	}

	t.Run("invalid amount", func(t *testing.T) {
		env.do(t, http.MethodPost, "/api/expenses", map[string]string{
			"amount": "abc", "category": "food", "description": "bad",
		}, http.StatusBadRequest, nil)
	})
}

func TestAPI_BudgetLimitNotifications(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/budget-limits", map[string]string{
		"category": "food", "limit": "100.00",
	}, http.StatusCreated, nil)

	// 95 > 90% of 100: approaching.
	env.do(t, http.MethodPost, "/api/expenses", map[string]string{
		"amount": "95.00", "category": "food", "description": "Big shop",
	}, http.StatusCreated, nil)

	var notifications []core.Notification
	env.do(t, http.MethodGet, "/api/notifications?unread=true", nil, http.StatusOK, &notifications)
	if len(notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notifications))
	}
	if notifications[0].Message != "You are close to exceeding your budget limit for food." {
		t.Errorf("message = %q", notifications[0].Message)
	}

	// Push over the limit: a second, distinct notification.
	env.do(t, http.MethodPost, "/api/expenses", map[string]string{
		"amount": "10.00", "category": "food", "description": "Snacks",
	}, http.StatusCreated, nil)

	env.do(t, http.MethodGet, "/api/notifications?unread=true", nil, http.StatusOK, &notifications)
	if len(notifications) != 2 {
		t.Fatalf("got %d notifications, want 2", len(notifications))
	}

	path := fmt.Sprintf("/api/notifications/%d/read", notifications[0].ID)
	env.do(t, http.MethodPost, path, nil, http.StatusNoContent, nil)
	env.do(t, http.MethodGet, "/api/notifications?unread=true", nil, http.StatusOK, &notifications)
	if len(notifications) != 1 {
		t.Errorf("got %d unread after read, want 1", len(notifications))
	}

	env.do(t, http.MethodPost, "/api/notifications/read-all", nil, http.StatusNoContent, nil)
	env.do(t, http.MethodGet, "/api/notifications?unread=true", nil, http.StatusOK, &notifications)
	if len(notifications) != 0 {
		t.Errorf("got %d unread after read-all, want 0", len(notifications))
	}
}

func TestAPI_RecurringLifecycle(t *testing.T) {
	env := newTestEnv(t)
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")

	var ob core.Obligation
	env.do(t, http.MethodPost, "/api/recurring", map[string]string{
		"amount": "15.00", "category": "subscriptions", "description": "Streaming",
		"cadence": "monthly", "next_due": yesterday,
	}, http.StatusCreated, &ob)
	if ob.ID == 0 {
		t.Fatal("created obligation has no id")
	}

	t.Run("invalid cadence rejected", func(t *testing.T) {
		env.do(t, http.MethodPost, "/api/recurring", map[string]string{
			"amount": "15.00", "category": "subscriptions", "description": "Bad",
			"cadence": "fortnightly", "next_due": yesterday,
		}, http.StatusBadRequest, nil)
	})

	var result struct {
		Processed int            `json:"processed"`
		Expenses  []core.Expense `json:"expenses"`
	}
	env.do(t, http.MethodPost, "/api/recurring/process", nil, http.StatusOK, &result)
	if result.Processed != 1 {
		t.Fatalf("processed = %d, want 1", result.Processed)
	}
	if result.Expenses[0].Category != "subscriptions" {
		t.Errorf("expense = %+v", result.Expenses[0])
	}

	// Schedule advanced: nothing more to do.
	env.do(t, http.MethodPost, "/api/recurring/process", nil, http.StatusOK, &result)
	if result.Processed != 0 {
		t.Errorf("second run processed = %d, want 0", result.Processed)
	}

	var obligations []core.Obligation
	env.do(t, http.MethodGet, "/api/recurring", nil, http.StatusOK, &obligations)
	if len(obligations) != 1 {
		t.Fatalf("got %d obligations, want 1", len(obligations))
	}

	path := fmt.Sprintf("/api/recurring/%d", ob.ID)
	env.do(t, http.MethodPut, path, map[string]string{
		"amount": "17.50", "category": "subscriptions", "description": "Streaming",
		"cadence": "monthly", "next_due": obligations[0].NextDue.Format("2006-01-02"),
	}, http.StatusOK, &ob)
	if ob.Amount.Cents != 1750 {
		t.Errorf("updated amount = %d, want 1750", ob.Amount.Cents)
	}

	env.do(t, http.MethodDelete, path, nil, http.StatusNoContent, nil)
	env.do(t, http.MethodDelete, path, nil, http.StatusNotFound, nil)
}

func TestTrace_RequestID(t *testing.T) {
	env := newTestEnv(t)

	var fromContext string
	h := env.server.trace(func(w http.ResponseWriter, r *http.Request) {
		fromContext = RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/expenses", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if !strings.HasPrefix(fromContext, "req_") {
		t.Errorf("request id in context = %q, want req_ prefix", fromContext)
	}
	if got := rec.Header().Get("X-Request-ID"); got != fromContext {
		t.Errorf("X-Request-ID header = %q, want %q", got, fromContext)
	}

	if id := RequestID(context.Background()); id != "" {
		t.Errorf("RequestID outside a traced request = %q, want empty", id)
	}
}

func TestAPI_ProcessRefreshesAllSummaries(t *testing.T) {
	env := newTestEnv(t)
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")

	// First user owns the due obligation and warms their summary cache.
	env.do(t, http.MethodPost, "/api/recurring", map[string]string{
		"amount": "15.00", "category": "subscriptions", "description": "Streaming",
		"cadence": "monthly", "next_due": yesterday,
	}, http.StatusCreated, nil)

	var summary struct {
		Total core.Money `json:"total"`
	}
	env.do(t, http.MethodGet, "/api/summary", nil, http.StatusOK, &summary)
	if summary.Total.Cents != 0 {
		t.Fatalf("summary before processing = %d cents, want 0", summary.Total.Cents)
	}

	// A second user triggers the pass; it materializes the first user's
	// obligation, so the first user's cached summary must be dropped.
	firstToken := env.token
	env.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "other@example.com", "password": "s3cretpass",
	}, http.StatusCreated, nil)
	var login struct {
		Token string `json:"token"`
	}
	env.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "other@example.com", "password": "s3cretpass",
	}, http.StatusOK, &login)
	env.token = login.Token

	var result struct {
		Processed int `json:"processed"`
	}
	env.do(t, http.MethodPost, "/api/recurring/process", nil, http.StatusOK, &result)
	if result.Processed != 1 {
		t.Fatalf("processed = %d, want 1", result.Processed)
	}

	env.token = firstToken
	env.do(t, http.MethodGet, "/api/summary", nil, http.StatusOK, &summary)
	if summary.Total.Cents != 1500 {
		t.Errorf("summary after processing = %d cents, want 1500", summary.Total.Cents)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		env.server.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
