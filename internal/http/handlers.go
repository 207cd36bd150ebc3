package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/B377z/expense-tracker/internal/auth"
	"github.com/B377z/expense-tracker/internal/core"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/storage"
)

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// parseTime accepts RFC3339 or a bare date.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", s)
}

// --- auth ---

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.authRepo.Register(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrEmailTaken) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.authRepo.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Login failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	session, err := s.authRepo.CreateSession(r.Context(), user.ID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Session creation failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      session.Token,
		"expires_at": session.ExpiresAt,
		"user":       user,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.authRepo.DeleteSession(r.Context(), token); err != nil {
		s.logger.ErrorContext(r.Context(), "Logout failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- expenses ---

type expenseRequest struct {
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	OccurredAt  string `json:"occurred_at,omitempty"`
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid amount: %v", err))
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		if occurredAt, err = parseTime(req.OccurredAt); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	expense, err := s.expenses.CreateExpense(r.Context(), core.Expense{
		UserID:      auth.UserID(r.Context()),
		Amount:      core.Money{Cents: cents},
		Category:    strings.TrimSpace(req.Category),
		Description: strings.TrimSpace(req.Description),
		OccurredAt:  occurredAt,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.summaryCache.Delete(auth.UserID(r.Context()))
	writeJSON(w, http.StatusCreated, expense)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ExpenseFilter{
		Category: q.Get("category"),
		SortBy:   q.Get("sort_by"),
		Order:    q.Get("order"),
	}

	var err error
	if from := q.Get("from"); from != "" {
		if filter.From, err = parseTime(from); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if to := q.Get("to"); to != "" {
		if filter.To, err = parseTime(to); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	expenses, err := s.store.ListExpenses(r.Context(), auth.UserID(r.Context()), filter)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "List expenses failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not list expenses")
		return
	}
	if expenses == nil {
		expenses = []core.Expense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

// --- recurring obligations ---

type obligationRequest struct {
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Cadence     string `json:"cadence"`
	NextDue     string `json:"next_due"`
}

func (s *Server) obligationFromRequest(r *http.Request, req obligationRequest) (core.Obligation, error) {
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		return core.Obligation{}, fmt.Errorf("invalid amount: %w", err)
	}
	nextDue, err := parseTime(req.NextDue)
	if err != nil {
		return core.Obligation{}, err
	}
	return core.Obligation{
		UserID:      auth.UserID(r.Context()),
		Amount:      core.Money{Cents: cents},
		Category:    strings.TrimSpace(req.Category),
		Description: strings.TrimSpace(req.Description),
		Cadence:     core.Cadence(strings.ToLower(req.Cadence)),
		NextDue:     nextDue,
	}, nil
}

func (s *Server) handleCreateObligation(w http.ResponseWriter, r *http.Request) {
	var req obligationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ob, err := s.obligationFromRequest(r, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.CreateObligation(r.Context(), ob)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ob.ID = id
	writeJSON(w, http.StatusCreated, ob)
}

func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	obligations, err := s.store.ListObligations(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.logger.ErrorContext(r.Context(), "List obligations failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not list recurring obligations")
		return
	}
	if obligations == nil {
		obligations = []core.Obligation{}
	}
	writeJSON(w, http.StatusOK, obligations)
}

func (s *Server) handleUpdateObligation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req obligationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ob, err := s.obligationFromRequest(r, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ob.ID = id

	if err := s.store.UpdateObligation(r.Context(), ob); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recurring obligation not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ob)
}

func (s *Server) handleDeleteObligation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := s.store.DeleteObligation(r.Context(), id, auth.UserID(r.Context())); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recurring obligation not found")
			return
		}
		s.logger.ErrorContext(r.Context(), "Delete obligation failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not delete recurring obligation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProcessRecurring triggers one processing pass on demand, the same
// pass the worker runs on its schedule.
func (s *Server) handleProcessRecurring(w http.ResponseWriter, r *http.Request) {
	created, err := s.processor.ProcessDue(r.Context(), time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "On-demand processing failed",
			log.FieldRequestID, RequestID(r.Context()),
			log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	if created == nil {
		created = []core.Expense{}
	}

	// The pass materializes expenses for every user with due obligations,
	// not just the caller, so each affected user's summary must refresh.
	for _, e := range created {
		s.summaryCache.Delete(e.UserID)
	}
	s.summaryCache.Delete(auth.UserID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"processed": len(created),
		"expenses":  created,
	})
}

// --- budget limits ---

type budgetLimitRequest struct {
	Category string `json:"category"`
	Limit    string `json:"limit"`
}

func (s *Server) handleCreateBudgetLimit(w http.ResponseWriter, r *http.Request) {
	var req budgetLimitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cents, err := core.ParseDecimalToCents(req.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %v", err))
		return
	}

	limit := core.BudgetLimit{
		UserID:   auth.UserID(r.Context()),
		Category: strings.TrimSpace(req.Category),
		Limit:    core.Money{Cents: cents},
	}
	id, err := s.store.CreateBudgetLimit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit.ID = id
	writeJSON(w, http.StatusCreated, limit)
}

func (s *Server) handleListBudgetLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.store.ListBudgetLimits(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.logger.ErrorContext(r.Context(), "List budget limits failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not list budget limits")
		return
	}
	if limits == nil {
		limits = []core.BudgetLimit{}
	}
	writeJSON(w, http.StatusOK, limits)
}

// --- notifications ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"

	notifications, err := s.store.ListNotifications(r.Context(), auth.UserID(r.Context()), unreadOnly)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "List notifications failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not list notifications")
		return
	}
	if notifications == nil {
		notifications = []core.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := s.store.MarkNotificationRead(r.Context(), id, auth.UserID(r.Context())); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.logger.ErrorContext(r.Context(), "Mark notification read failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not update notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkAllNotificationsRead(r.Context(), auth.UserID(r.Context())); err != nil {
		s.logger.ErrorContext(r.Context(), "Mark all notifications read failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not update notifications")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- summary ---

type summaryResponse struct {
	Total      core.Money           `json:"total"`
	ByCategory []core.CategoryTotal `json:"by_category"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	if cached, ok := s.summaryCache.Get(userID); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	totals, err := s.store.CategoryTotals(r.Context(), userID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Summary query failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not build summary")
		return
	}
	if totals == nil {
		totals = []core.CategoryTotal{}
	}

	var total int64
	for _, t := range totals {
		total += t.Total.Cents
	}

	resp := summaryResponse{
		Total:      core.Money{Cents: total},
		ByCategory: totals,
	}
	s.summaryCache.Set(userID, resp)
	writeJSON(w, http.StatusOK, resp)
}
