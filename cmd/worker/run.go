package main

import (
	"context"

	"github.com/unclebandit/promo-mailer-backend/internal/app"
	"github.com/unclebandit/promo-mailer-backend/internal/service"
)

// startWorker subscribes the dispatcher to the job queue.
func startWorker(a *app.App) error {
	w := service.NewWorker(a.Queue, a.Dispatcher, a.Logger.Named("worker"))
	if err := w.Start(); err != nil {
		return err
	}
	a.Logger.Info("worker running, waiting for dispatch jobs")
	return nil
}

// run consumes dispatch jobs, sweeps stalled campaigns and reports dispatch
// metrics until ctx ends.
func run(ctx context.Context, a *app.App) error {
	if err := startWorker(a); err != nil {
		return err
	}
	go a.Dispatcher.ReportMetrics(ctx, a.Config.MetricsInterval)
	return a.Sweeper.Run(ctx)
}
