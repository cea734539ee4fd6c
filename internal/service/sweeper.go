// internal/service/sweeper.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/promo-mailer-backend/internal/queue"
	"github.com/unclebandit/promo-mailer-backend/internal/repository"
)

// Sweeper re-enqueues incomplete campaigns that have made no progress for
// StallAfter, e.g. after a worker crash or a lost dispatch job.
type Sweeper struct {
	Repo       repository.CampaignRepositoryInterface
	Queue      queue.Queue
	StallAfter time.Duration
	Interval   time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log().Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce enqueues a dispatch job for each stalled campaign and returns
// how many were enqueued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	ids, err := s.Repo.ListStalled(ctx, now().Add(-s.StallAfter))
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		if err := s.Queue.Publish(ctx, queue.TopicCampaignDispatch, queue.Job{CampaignID: id}); err != nil {
			s.log().Warn("failed to re-enqueue stalled campaign", zap.String("campaign_id", id), zap.Error(err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log().Info("re-enqueued stalled campaigns", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

func (s *Sweeper) log() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}
