// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/promo-mailer-backend/internal/app"
	"github.com/unclebandit/promo-mailer-backend/internal/config"
	"github.com/unclebandit/promo-mailer-backend/internal/logger"
	"github.com/unclebandit/promo-mailer-backend/internal/service"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to initialise", zap.Error(err))
	}
	defer a.Close()

	// Without a broker there is no separate worker process, so dispatch runs here.
	if cfg.QueueDriver == "memory" {
		w := service.NewWorker(a.Queue, a.Dispatcher, zlog.Named("worker"))
		if err := w.Start(); err != nil {
			zlog.Fatal("failed to subscribe worker", zap.Error(err))
		}
		go a.Sweeper.Run(ctx)
		go a.Dispatcher.ReportMetrics(ctx, cfg.MetricsInterval)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("server running", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http shutdown", zap.Error(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("dispatch did not drain before the deadline", zap.Error(err))
	}
}
