// Package http exposes the JSON API: expenses, recurring obligations, budget
// limits, notifications and the monthly summary.
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/B377z/expense-tracker/internal/auth"
	"github.com/B377z/expense-tracker/internal/cache"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/services"
	"github.com/B377z/expense-tracker/internal/storage"
)

type Server struct {
	http.Server

	store     *storage.SQLiteRepository
	authRepo  *auth.Repository
	expenses  *services.ExpenseService
	processor *services.Processor
	logger    *log.Logger

	rateLimiter  *rateLimiter
	summaryCache *cache.Cache[summaryResponse]

	stopCacheCleanup chan struct{}
	shutdownOnce     sync.Once
}

// NewServer wires routes and middleware, returning a ready-to-run server.
func NewServer(addr string, store *storage.SQLiteRepository, authRepo *auth.Repository,
	expenses *services.ExpenseService, processor *services.Processor,
	cacheTTL time.Duration, logger *log.Logger) *Server {

	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		store:            store,
		authRepo:         authRepo,
		expenses:         expenses,
		processor:        processor,
		logger:           logger.WithComponent(log.ComponentHTTP),
		rateLimiter:      newRateLimiter(),
		summaryCache:     cache.New[summaryResponse](100, cacheTTL),
		stopCacheCleanup: make(chan struct{}),
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /api/auth/register", s.trace(s.handleRegister))
	mux.HandleFunc("POST /api/auth/login", s.trace(s.handleLogin))
	mux.Handle("POST /api/auth/logout", s.authed(s.handleLogout))

	mux.Handle("GET /api/expenses", s.authed(s.handleListExpenses))
	mux.Handle("POST /api/expenses", s.authed(s.handleCreateExpense))

	mux.Handle("GET /api/recurring", s.authed(s.handleListObligations))
	mux.Handle("POST /api/recurring", s.authed(s.handleCreateObligation))
	mux.Handle("PUT /api/recurring/{id}", s.authed(s.handleUpdateObligation))
	mux.Handle("DELETE /api/recurring/{id}", s.authed(s.handleDeleteObligation))
	mux.Handle("POST /api/recurring/process", s.authed(s.handleProcessRecurring))

	mux.Handle("GET /api/budget-limits", s.authed(s.handleListBudgetLimits))
	mux.Handle("POST /api/budget-limits", s.authed(s.handleCreateBudgetLimit))

	mux.Handle("GET /api/notifications", s.authed(s.handleListNotifications))
	mux.Handle("POST /api/notifications/{id}/read", s.authed(s.handleMarkNotificationRead))
	mux.Handle("POST /api/notifications/read-all", s.authed(s.handleMarkAllNotificationsRead))

	mux.Handle("GET /api/summary", s.authed(s.handleSummary))

	go s.startCacheCleanup()

	return s
}

// authed stacks tracing, rate limiting and session auth for API routes.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return s.authRepo.RequireAuth(http.HandlerFunc(s.trace(next)))
}

// trace adds security headers, rate limiting, a request id and request
// logging.
func (s *Server) trace(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodPost && !s.rateLimiter.allow(clientIP) {
			s.logger.WarnContext(ctx, "Rate limit exceeded",
				log.FieldRequestID, requestID,
				log.FieldClientIP, clientIP,
				log.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		s.logger.InfoContext(ctx, "Request completed",
			log.FieldRequestID, requestID,
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldStatusCode, rw.statusCode,
			log.FieldDuration, time.Since(start).Milliseconds(),
			log.FieldClientIP, clientIP)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the id the trace middleware assigned to the request, or
// the empty string outside a traced request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) startCacheCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cleaned := s.summaryCache.CleanExpired(); cleaned > 0 {
				s.logger.Debug("Cache cleanup completed", "entries_removed", cleaned)
			}
		case <-s.stopCacheCleanup:
			return
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.stopCacheCleanup)
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// Simple in-memory rate limiter, 60 POSTs per client per minute.
type rateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientInfo
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientInfo struct {
	lastRequest time.Time
	requests    int
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		clients:     make(map[string]*clientInfo),
		stopCleanup: make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]
	if !exists {
		rl.clients[clientIP] = &clientInfo{lastRequest: now, requests: 1}
		return true
	}

	if now.Sub(client.lastRequest) > time.Minute {
		client.requests = 1
		client.lastRequest = now
		return true
	}

	client.requests++
	client.lastRequest = now
	return client.requests <= 60
}

func (rl *rateLimiter) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *rateLimiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, client := range rl.clients {
		if client.lastRequest.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
