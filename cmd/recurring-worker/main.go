package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/B377z/expense-tracker/internal/amqp"
	"github.com/B377z/expense-tracker/internal/config"
	"github.com/B377z/expense-tracker/internal/log"
	"github.com/B377z/expense-tracker/internal/services"
	"github.com/B377z/expense-tracker/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig()).WithComponent(log.ComponentWorker)
	log.SetDefault(logger)

	logger.Info("Starting recurring-worker")

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

	var publisher services.EventPublisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without audit events", log.FieldError, err)
		} else {
			defer amqpClient.Close()
			publisher = amqpClient
		}
	}

	evaluator := services.NewBudgetEvaluator(store, store, publisher, logger)
	processor := services.NewProcessor(store, evaluator, publisher, logger).
		WithConcurrency(cfg.ProcessConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Recurring obligation processor configured",
		"interval", cfg.ProcessInterval,
		"sqlite_db", cfg.SQLiteDBPath)

	ticker := time.NewTicker(cfg.ProcessInterval)
	defer ticker.Stop()

	// Run once on startup so restarts don't wait a full interval.
	runProcessing(ctx, processor, logger)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runProcessing(ctx, processor, logger)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	cancel()
	logger.Info("Recurring-worker shutdown complete")
}

func runProcessing(ctx context.Context, processor *services.Processor, logger *log.Logger) {
	created, err := processor.ProcessDue(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("Processing failed", log.FieldError, err)
		return
	}
	logger.Info("Processing complete", "expenses_created", len(created))
}
