package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mini-escrow/backend/internal/config"
	"github.com/mini-escrow/backend/internal/db"
	"github.com/mini-escrow/backend/internal/events"
	"github.com/mini-escrow/backend/internal/repositories"
	"github.com/mini-escrow/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	escrowRepo := repositories.NewPostgresEscrowRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)
	escrowService := services.NewEscrowService(escrowRepo, publisher, cfg, log)
	sweeper := services.NewSweeper(escrowService, escrowRepo, cfg.SweepBatchSize, log)

	log.Info("worker started", zap.Duration("sweep_interval", cfg.SweepInterval))

	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sweepTicker.C:
			runExpirySweep(ctx, sweeper, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runExpirySweep(ctx context.Context, sweeper *services.Sweeper, log *zap.Logger) {
	expired, err := sweeper.Run(ctx, time.Now().UTC())
	if err != nil {
		// Partial progress is fine: untouched rows stay eligible and the
		// next tick picks them up.
		log.Error("expiry sweep failed", zap.Int("expired_before_failure", expired), zap.Error(err))
		return
	}
	if expired > 0 {
		log.Info("expiry sweep run complete", zap.Int("expired", expired))
	}
}
