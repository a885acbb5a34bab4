package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/catalog"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/eventbus"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/inventory"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/ledger"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/processor"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/reservation"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level from config
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("appName", cfg.AppName).Msg("Application starting")

	// --- Initializations ---

	// Initialize Database-backed store
	db, err := store.NewPostgres(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Database")
	}
	defer db.Close()

	// Initialize RabbitMQ Connection Manager
	rmqManager, err := eventbus.NewRabbitMQManager(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize RabbitMQ Manager")
	}
	defer rmqManager.Close()

	// Wire the engine: catalog collaborator, movement ledger, reservation
	// manager and the inventory facade. The system clock is injected here;
	// tests substitute their own.
	products := catalog.New(db.SQL)
	history := ledger.NewLog(db)
	manager := reservation.New(db, products, cfg, time.Now)
	svc := inventory.New(db, manager, history, rmqManager, cfg, time.Now)

	// Initialize the message processor
	msgProcessor := processor.New(svc, rmqManager, cfg)

	// Start the consumer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rmqManager.StartConsuming(ctx, msgProcessor.MessageHandler); err != nil {
		log.Fatal().Err(err).Msg("Failed to start consumer")
	}

	// Start the reservation expiry sweep
	go runSweepLoop(ctx, svc, cfg.SweepInterval())

	log.Info().Msg("Application setup complete. Running and waiting for messages.")
	log.Info().Msg("Press Ctrl+C to exit.")

	// --- Wait for shutdown signal ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// --- Graceful Shutdown ---
	log.Info().Msg("Application shutting down...")
	cancel() // Signal context cancellation to long-running tasks
	// Deferred calls to db.Close() and rmqManager.Close() will execute here.
}

// runSweepLoop expires overdue reservations on a fixed interval. The sweep
// is idempotent and safe to run concurrently across service instances, so a
// plain ticker is all the coordination needed.
func runSweepLoop(ctx context.Context, svc *inventory.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sweep loop stopping.")
			return
		case <-ticker.C:
			count, err := svc.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Reservation expiry sweep failed")
				continue
			}
			if count > 0 {
				log.Info().Int("expired", count).Msg("Expired overdue reservations")
			}
		}
	}
}
