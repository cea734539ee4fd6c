package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/promo-mailer-backend/internal/queue"
	"github.com/unclebandit/promo-mailer-backend/internal/service"
)

type dispatchFunc func(ctx context.Context, campaignID string) error

func (f dispatchFunc) Dispatch(ctx context.Context, campaignID string) error { return f(ctx, campaignID) }

func TestWorker_DispatchesQueuedJobs(t *testing.T) {
	q := queue.NewInMemoryQueue(zap.NewNop())
	defer q.Close()

	got := make(chan string, 1)
	w := service.NewWorker(q, dispatchFunc(func(_ context.Context, id string) error {
		got <- id
		return nil
	}), nil)
	require.NoError(t, w.Start())

	require.NoError(t, q.Publish(context.Background(), queue.TopicCampaignDispatch, queue.Job{CampaignID: "abc"}))

	select {
	case id := <-got:
		assert.Equal(t, "abc", id)
	case <-time.After(time.Second):
		t.Fatal("job was not dispatched")
	}
}

func TestWorker_DropsJobWithoutCampaign(t *testing.T) {
	called := false
	w := service.NewWorker(nil, dispatchFunc(func(context.Context, string) error {
		called = true
		return nil
	}), nil)

	assert.NoError(t, w.Handle(context.Background(), queue.Job{}))
	assert.False(t, called)
}
