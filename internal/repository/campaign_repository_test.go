package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

const campaignID = "5b0a3b4e-52c1-4a8c-9a3e-0d1f1d3b2c10"

var campaignCols = []string{"id", "subject", "created_by", "total_recipients", "sent_count", "failed_count",
	"is_completed", "send_completed_at", "last_activity_at", "created_at"}

func newMockRepo(t *testing.T) (*CampaignRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCampaignRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestCreate_WritesCampaignSectionsAndMessages(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	c := &model.Campaign{
		ID:        campaignID,
		Subject:   "Sale",
		CreatedBy: "boss@example.com",
		CreatedAt: created,
		Sections: []model.Section{
			{Content: "first"},
			{Content: "second", Image: "http://cdn/x.png", ImageKey: "campaigns/x.png"},
		},
	}
	recipients := []model.User{
		{Email: "a@example.com", FirstName: "A"},
		{Email: "b@example.com", FirstName: "B"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO campaigns")).
		WithArgs(campaignID, "Sale", "boss@example.com", 2, created, created).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sections := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO campaign_sections"))
	sections.ExpectExec().WithArgs(campaignID, 0, "first", "", "").WillReturnResult(sqlmock.NewResult(0, 1))
	sections.ExpectExec().WithArgs(campaignID, 1, "second", "campaigns/x.png", "http://cdn/x.png").WillReturnResult(sqlmock.NewResult(0, 1))
	msgs := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO outbound_messages"))
	msgs.ExpectExec().WithArgs(campaignID, "a@example.com", "A", "", created).WillReturnResult(sqlmock.NewResult(1, 1))
	msgs.ExpectExec().WithArgs(campaignID, "b@example.com", "B", "", created).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), c, recipients))

	assert.Equal(t, 2, c.SendStats.TotalRecipients)
	assert.Equal(t, created, c.LastActivityAt)
	assert.Equal(t, 1, c.Sections[1].Position)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_RollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := &model.Campaign{ID: campaignID, CreatedAt: time.Now(), Sections: []model.Section{{Content: "x"}}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO campaigns")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO campaign_sections")).
		ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO outbound_messages")).
		ExpectExec().WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), c, []model.User{{Email: "a@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert outbound message")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_LoadsSectionsInOrder(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id=").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(campaignCols).
			AddRow(campaignID, "Sale", "boss", 3, 1, 1, false, nil, now, now))
	mock.ExpectQuery("FROM campaign_sections").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "position", "content", "image_key", "image_url"}).
			AddRow(campaignID, 0, "first", "", "").
			AddRow(campaignID, 1, "second", "k", "http://cdn/k"))

	c, err := repo.GetByID(context.Background(), campaignID)
	require.NoError(t, err)

	assert.Equal(t, model.SendStats{TotalRecipients: 3, Sent: 1, Failed: 1}, c.SendStats)
	require.Len(t, c.Sections, 2)
	assert.Equal(t, "first", c.Sections[0].Content)
	assert.Equal(t, "http://cdn/k", c.Sections[1].Image)
	assert.Nil(t, c.SendCompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatus_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id=").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(campaignCols))

	_, err := repo.GetStatus(context.Background(), campaignID)

	var nf *appErrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, campaignID, nf.CampaignID)
}

func TestClaimNextPending(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	msgCols := []string{"id", "campaign_id", "email", "first_name", "last_name", "status", "last_error", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(msgCols).
			AddRow(7, campaignID, "a@example.com", "A", "", "sending", "", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(msgCols))

	msg, err := repo.ClaimNextPending(context.Background(), campaignID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(7), msg.ID)
	assert.Equal(t, model.MessageStatusSending, msg.Status)

	msg, err = repo.ClaimNextPending(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcome_CompletesCampaign(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	msg := &model.OutboundMessage{ID: 7, CampaignID: campaignID, Status: model.MessageStatusSending}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbound_messages SET status=$1")).
		WithArgs(model.MessageStatusSent, "", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE campaigns SET")).
		WithArgs(campaignID, 1, 0).
		WillReturnRows(sqlmock.NewRows(campaignCols).
			AddRow(campaignID, "Sale", "boss", 2, 1, 1, true, now, now, now))
	mock.ExpectCommit()

	st, applied, err := repo.RecordOutcome(context.Background(), msg, model.MessageStatusSent, "")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, st.IsCompleted)
	require.NotNil(t, st.SendCompletedAt)
	assert.Equal(t, 2, st.SendStats.Sent+st.SendStats.Failed)
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcome_AlreadySettled(t *testing.T) {
	repo, mock := newMockRepo(t)
	msg := &model.OutboundMessage{ID: 7, CampaignID: campaignID}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbound_messages SET status=$1")).
		WithArgs(model.MessageStatusFailed, "timeout", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	st, applied, err := repo.RecordOutcome(context.Background(), msg, model.MessageStatusFailed, "timeout")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcome_CounterGuardRejects(t *testing.T) {
	repo, mock := newMockRepo(t)
	msg := &model.OutboundMessage{ID: 7, CampaignID: campaignID}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbound_messages SET status=$1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE campaigns SET")).
		WithArgs(campaignID, 0, 1).
		WillReturnRows(sqlmock.NewRows(campaignCols))
	mock.ExpectRollback()

	_, applied, err := repo.RecordOutcome(context.Background(), msg, model.MessageStatusFailed, "x")
	assert.ErrorIs(t, err, ErrCounterRejected)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcome_InvalidStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	_, _, err := repo.RecordOutcome(context.Background(), &model.OutboundMessage{ID: 1}, model.MessageStatusPending, "")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStalled(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery("SELECT id FROM campaigns").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(campaignID))

	ids, err := repo.ListStalled(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{campaignID}, ids)
}

func TestListCampaigns(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2")).
		WithArgs(2, 4).
		WillReturnRows(sqlmock.NewRows(campaignCols).
			AddRow(campaignID, "Sale", "boss", 1, 1, 0, true, now, now, now))
	mock.ExpectQuery("FROM campaign_sections").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "position", "content", "image_key", "image_url"}).
			AddRow(campaignID, 0, "only", "", ""))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM campaigns")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	campaigns, total, err := repo.ListCampaigns(context.Background(), 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, campaigns, 1)
	assert.Len(t, campaigns[0].Sections, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
