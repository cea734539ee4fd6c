package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/promo-mailer-backend/internal/app"
	"github.com/unclebandit/promo-mailer-backend/internal/config"
	"github.com/unclebandit/promo-mailer-backend/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	if cfg.QueueDriver != "amqp" {
		zlog.Warn("QUEUE_DRIVER is not amqp, this worker only sees jobs it re-enqueues itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to initialise", zap.Error(err))
	}
	defer a.Close()

	if err := run(ctx, a); err != nil {
		zlog.Fatal("worker failed", zap.Error(err))
	}
	zlog.Info("worker stopped")
}
