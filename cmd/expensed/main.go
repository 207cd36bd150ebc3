package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/auth"
	"github.com/B377z/expense-tracker/internal/config"
	apphttp "github.com/B377z/expense-tracker/internal/http"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/services"
	"github.com/B377z/expense-tracker/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	logger.Info("Starting expensed")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer store.Close()

	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without audit events", log.FieldError, err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
			logger.Info("AMQP client initialized")
		}
	} else {
		logger.Info("AMQP disabled, audit events will not be published")
	}

	authRepo := auth.NewRepository(store.DB())

	// amqpClient is *amqp.Client; a typed nil must not leak into the
	// EventPublisher interface.
	var publisher services.EventPublisher
	if amqpClient != nil {
		publisher = amqpClient
	}

	evaluator := services.NewBudgetEvaluator(store, store, publisher, logger)
	expenses := services.NewExpenseService(store, evaluator, publisher, logger)
	processor := services.NewProcessor(store, evaluator, publisher, logger).
		WithConcurrency(cfg.ProcessConcurrency)

	srv := apphttp.NewServer(":"+cfg.Port, store, authRepo, expenses, processor, cfg.CacheTTL, logger)
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	}()

	logger.Info("Listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
