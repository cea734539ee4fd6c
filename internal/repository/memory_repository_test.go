package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

func TestMemoryRepository_OutcomeGuards(t *testing.T) {
	repo := NewMemoryRepository()
	c := &model.Campaign{ID: "c1", CreatedAt: time.Now(), Sections: []model.Section{{Content: "x"}}}
	require.NoError(t, repo.Create(context.Background(), c, []model.User{{Email: "a@example.com"}}))

	msg, err := repo.ClaimNextPending(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, msg)

	next, err := repo.ClaimNextPending(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, next, "single recipient can only be claimed once")

	st, applied, err := repo.RecordOutcome(context.Background(), msg, model.MessageStatusSent, "")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, st.IsCompleted)
	require.NotNil(t, st.SendCompletedAt)

	// a second outcome for the same message changes nothing
	again := *msg
	again.Status = model.MessageStatusSending
	_, applied, err = repo.RecordOutcome(context.Background(), &again, model.MessageStatusFailed, "late")
	require.NoError(t, err)
	assert.False(t, applied)

	st, err = repo.GetStatus(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.SendStats{TotalRecipients: 1, Sent: 1}, st.SendStats)
}

func TestMemoryRepository_ListStalledSkipsCompleted(t *testing.T) {
	repo := NewMemoryRepository()
	old := time.Now().Add(-time.Hour)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, repo.Create(context.Background(), &model.Campaign{ID: id, CreatedAt: old}, []model.User{{Email: "x@example.com"}}))
	}
	msg, err := repo.ClaimNextPending(context.Background(), "b")
	require.NoError(t, err)
	_, _, err = repo.RecordOutcome(context.Background(), msg, model.MessageStatusFailed, "")
	require.NoError(t, err)
	repo.Touch("b", old)

	ids, err := repo.ListStalled(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestMemoryRepository_ListCampaignsNegativeOffset(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), &model.Campaign{ID: "a", CreatedAt: time.Now()}, nil))

	page, total, err := repo.ListCampaigns(context.Background(), -20, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, page, 1)
}
