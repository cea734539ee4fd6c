package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/promo-mailer-backend/internal/queue"
)

// CampaignDispatcher is the part of Dispatcher the worker needs.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, campaignID string) error
}

// Worker consumes dispatch jobs from the queue and runs them.
type Worker struct {
	Queue      queue.Queue
	Dispatcher CampaignDispatcher
	Logger     *zap.Logger
}

// Constructor
func NewWorker(q queue.Queue, d CampaignDispatcher, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{Queue: q, Dispatcher: d, Logger: log}
}

// Start subscribes to dispatch jobs.
func (w *Worker) Start() error {
	return w.Queue.Subscribe(queue.TopicCampaignDispatch, w.Handle)
}

// Handle runs one dispatch job.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	if job.CampaignID == "" {
		w.Logger.Warn("dropping dispatch job without campaign id")
		return nil
	}
	w.Logger.Debug("dispatch job received", zap.String("campaign_id", job.CampaignID))
	return w.Dispatcher.Dispatch(ctx, job.CampaignID)
}
