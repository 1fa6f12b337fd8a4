package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/config"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/fjod/go_cart/cart-session/internal/repository"
	"github.com/fjod/go_cart/cart-session/internal/sweeper"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg := config.Load()
	lg, err := logger.New(cfg.LogMode, cfg.LogSalt)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	if cfg.StoreBackend == "memory" {
		log.Fatal("sweeper needs the mongo store; STORE_BACKEND=memory lives inside the service process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Client().Disconnect(disconnectCtx)
	}()

	guests := repository.NewMongoGuestRepository(db, cfg.GuestCartTTL)
	s := sweeper.New(guests, lg, sweeper.Options{
		Interval:       cfg.SweepInterval,
		IdleEmptyAfter: cfg.SweepIdleEmpty,
	})

	if *once {
		report, err := s.Sweep(ctx)
		lg.Info("sweep finished",
			"expired", report.Expired, "duplicates", report.Duplicates, "idle_empty", report.IdleEmpty)
		if err != nil {
			lg.Error("sweep failed", "error", err)
			lg.Sync()
			os.Exit(1)
		}
		return
	}

	lg.Info("sweeper started", "interval", cfg.SweepInterval.String())
	s.Run(ctx)
	lg.Info("sweeper stopped")
}
