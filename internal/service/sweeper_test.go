package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/promo-mailer-backend/internal/lock"
	"github.com/unclebandit/promo-mailer-backend/internal/queue"
	"github.com/unclebandit/promo-mailer-backend/internal/service"
)

func TestSweeper_ReenqueuesStalledCampaigns(t *testing.T) {
	f := newFixture(customers(2)...)
	stalled := createCampaign(t, f, "stalled")
	fresh := createCampaign(t, f, "fresh")
	done := createCampaign(t, f, "done")

	d := newDispatcher(f, &fakeSender{}, lock.NewMemoryLocker(), service.DispatchConfig{})
	require.NoError(t, d.Dispatch(context.Background(), done.ID))

	old := time.Now().Add(-time.Hour)
	f.repo.Touch(stalled.ID, old)
	f.repo.Touch(done.ID, old)

	q := &recordingQueue{}
	sw := &service.Sweeper{Repo: f.repo, Queue: q, StallAfter: 10 * time.Minute}

	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []queue.Job{{CampaignID: stalled.ID}}, q.Jobs())
	assert.NotEqual(t, fresh.ID, q.Jobs()[0].CampaignID)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(customers(1)...)
	sw := &service.Sweeper{Repo: f.repo, Queue: &recordingQueue{}, StallAfter: time.Minute, Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- sw.Run(ctx) }()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
