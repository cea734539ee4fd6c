package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

// ErrCounterRejected is returned when a counter increment would break the
// sent+failed <= total invariant or touch a completed campaign.
var ErrCounterRejected = errors.New("campaign counter update rejected")

type CampaignRepositoryInterface interface {
	// Campaign lifecycle
	Create(ctx context.Context, c *model.Campaign, recipients []model.User) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	GetStatus(ctx context.Context, id string) (*model.CampaignStatus, error)
	ListCampaigns(ctx context.Context, offset, limit int) ([]*model.Campaign, int, error)
	ListStalled(ctx context.Context, inactiveSince time.Time) ([]string, error)

	// Outbound messages
	ClaimNextPending(ctx context.Context, campaignID string) (*model.OutboundMessage, error)
	ListSending(ctx context.Context, campaignID string) ([]*model.OutboundMessage, error)
	RecordOutcome(ctx context.Context, msg *model.OutboundMessage, status, lastError string) (*model.CampaignStatus, bool, error)
}

type CampaignRepository struct {
	DB *sqlx.DB
}

func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{DB: db}
}

type campaignRow struct {
	ID              string       `db:"id"`
	Subject         string       `db:"subject"`
	CreatedBy       string       `db:"created_by"`
	TotalRecipients int          `db:"total_recipients"`
	SentCount       int          `db:"sent_count"`
	FailedCount     int          `db:"failed_count"`
	IsCompleted     bool         `db:"is_completed"`
	SendCompletedAt sql.NullTime `db:"send_completed_at"`
	LastActivityAt  time.Time    `db:"last_activity_at"`
	CreatedAt       time.Time    `db:"created_at"`
}

func (r campaignRow) toModel() *model.Campaign {
	c := &model.Campaign{
		ID:        r.ID,
		Subject:   r.Subject,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
		SendStats: model.SendStats{
			TotalRecipients: r.TotalRecipients,
			Sent:            r.SentCount,
			Failed:          r.FailedCount,
		},
		IsCompleted:    r.IsCompleted,
		LastActivityAt: r.LastActivityAt,
		Sections:       []model.Section{},
	}
	if r.SendCompletedAt.Valid {
		t := r.SendCompletedAt.Time
		c.SendCompletedAt = &t
	}
	return c
}

type sectionRow struct {
	CampaignID string `db:"campaign_id"`
	Position   int    `db:"position"`
	Content    string `db:"content"`
	ImageKey   string `db:"image_key"`
	ImageURL   string `db:"image_url"`
}

const campaignColumns = `id, subject, created_by, total_recipients, sent_count, failed_count,
       is_completed, send_completed_at, last_activity_at, created_at`

// ====================== Campaign lifecycle ======================

// Create writes the campaign, its sections and one pending outbound message
// per recipient in a single transaction. TotalRecipients is taken from the
// recipient count.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, recipients []model.User) error {
	c.SendStats = model.SendStats{TotalRecipients: len(recipients)}
	c.IsCompleted = false
	c.SendCompletedAt = nil
	c.LastActivityAt = c.CreatedAt

	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO campaigns (id, subject, created_by, total_recipients, sent_count, failed_count,
                               is_completed, last_activity_at, created_at)
        VALUES ($1, $2, $3, $4, 0, 0, FALSE, $5, $6)`,
		c.ID, c.Subject, c.CreatedBy, c.SendStats.TotalRecipients, c.LastActivityAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	sectionStmt, err := tx.PreparexContext(ctx, `
        INSERT INTO campaign_sections (campaign_id, position, content, image_key, image_url)
        VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare section insert: %w", err)
	}
	defer sectionStmt.Close()

	for i := range c.Sections {
		s := &c.Sections[i]
		s.Position = i
		if _, err := sectionStmt.ExecContext(ctx, c.ID, s.Position, s.Content, s.ImageKey, s.Image); err != nil {
			return fmt.Errorf("insert section %d: %w", i, err)
		}
	}

	msgStmt, err := tx.PreparexContext(ctx, `
        INSERT INTO outbound_messages (campaign_id, email, first_name, last_name, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, 'pending', $5, $5)`)
	if err != nil {
		return fmt.Errorf("prepare outbound message insert: %w", err)
	}
	defer msgStmt.Close()

	for _, u := range recipients {
		if _, err := msgStmt.ExecContext(ctx, c.ID, u.Email, u.FirstName, u.LastName, c.CreatedAt); err != nil {
			return fmt.Errorf("insert outbound message for %s: %w", u.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	var row campaignRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	c := row.toModel()
	if err := r.attachSections(ctx, []*model.Campaign{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// GetStatus reads the counters from a single row, so the result is always
// a consistent snapshot.
func (r *CampaignRepository) GetStatus(ctx context.Context, id string) (*model.CampaignStatus, error) {
	var row campaignRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("get campaign status: %w", err)
	}
	return row.toModel().Status(), nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int) ([]*model.Campaign, int, error) {
	var rows []campaignRow
	err := r.DB.SelectContext(ctx, &rows,
		`SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}

	campaigns := make([]*model.Campaign, 0, len(rows))
	for _, row := range rows {
		campaigns = append(campaigns, row.toModel())
	}
	if err := r.attachSections(ctx, campaigns); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, `SELECT COUNT(*) FROM campaigns`); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) ListStalled(ctx context.Context, inactiveSince time.Time) ([]string, error) {
	var ids []string
	err := r.DB.SelectContext(ctx, &ids, `
        SELECT id FROM campaigns
        WHERE is_completed = FALSE AND last_activity_at < $1
        ORDER BY last_activity_at`, inactiveSince)
	if err != nil {
		return nil, fmt.Errorf("list stalled campaigns: %w", err)
	}
	return ids, nil
}

func (r *CampaignRepository) attachSections(ctx context.Context, campaigns []*model.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}

	ids := make([]string, 0, len(campaigns))
	byID := make(map[string]*model.Campaign, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
		byID[c.ID] = c
	}

	var rows []sectionRow
	err := r.DB.SelectContext(ctx, &rows, `
        SELECT campaign_id, position, content, image_key, image_url
        FROM campaign_sections
        WHERE campaign_id = ANY($1)
        ORDER BY campaign_id, position`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load sections: %w", err)
	}

	for _, s := range rows {
		c, ok := byID[s.CampaignID]
		if !ok {
			continue
		}
		c.Sections = append(c.Sections, model.Section{
			Position: s.Position,
			Content:  s.Content,
			Image:    s.ImageURL,
			ImageKey: s.ImageKey,
		})
	}
	return nil
}

// ====================== Outbound messages ======================

const messageColumns = `id, campaign_id, email, first_name, last_name, status, last_error, created_at, updated_at`

// ClaimNextPending moves one pending message to sending and returns it.
// It returns nil, nil when nothing is left to claim.
func (r *CampaignRepository) ClaimNextPending(ctx context.Context, campaignID string) (*model.OutboundMessage, error) {
	var msg model.OutboundMessage
	err := r.DB.GetContext(ctx, &msg, `
        UPDATE outbound_messages SET status='sending', updated_at=NOW()
        WHERE id = (
            SELECT id FROM outbound_messages
            WHERE campaign_id=$1 AND status='pending'
            ORDER BY id
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING `+messageColumns, campaignID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim outbound message: %w", err)
	}
	return &msg, nil
}

func (r *CampaignRepository) ListSending(ctx context.Context, campaignID string) ([]*model.OutboundMessage, error) {
	msgs := []*model.OutboundMessage{}
	err := r.DB.SelectContext(ctx, &msgs, `
        SELECT `+messageColumns+` FROM outbound_messages
        WHERE campaign_id=$1 AND status='sending'
        ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list sending messages: %w", err)
	}
	return msgs, nil
}

// RecordOutcome settles a sending message as sent or failed and applies the
// matching counter increment in the same transaction. The campaign is
// flagged completed by the same UPDATE that makes sent+failed reach the
// total. The bool result is false when the message had already been
// settled, in which case nothing changes.
func (r *CampaignRepository) RecordOutcome(ctx context.Context, msg *model.OutboundMessage, status, lastError string) (*model.CampaignStatus, bool, error) {
	sentInc, failedInc, err := increments(status)
	if err != nil {
		return nil, false, err
	}

	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE outbound_messages SET status=$1, last_error=$2, updated_at=NOW()
        WHERE id=$3 AND status='sending'`, status, lastError, msg.ID)
	if err != nil {
		return nil, false, fmt.Errorf("update outbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("update outbound message: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	var row campaignRow
	err = tx.GetContext(ctx, &row, `
        UPDATE campaigns SET
            sent_count = sent_count + $2,
            failed_count = failed_count + $3,
            is_completed = (sent_count + failed_count + $2 + $3 = total_recipients),
            send_completed_at = CASE
                WHEN sent_count + failed_count + $2 + $3 = total_recipients THEN NOW()
                ELSE send_completed_at
            END,
            last_activity_at = NOW()
        WHERE id=$1
          AND is_completed = FALSE
          AND sent_count + failed_count + $2 + $3 <= total_recipients
        RETURNING `+campaignColumns, msg.CampaignID, sentInc, failedInc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrCounterRejected
		}
		return nil, false, fmt.Errorf("increment campaign counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit outcome: %w", err)
	}

	msg.Status = status
	msg.LastError = lastError
	return row.toModel().Status(), true, nil
}

func increments(status string) (int, int, error) {
	switch status {
	case model.MessageStatusSent:
		return 1, 0, nil
	case model.MessageStatusFailed:
		return 0, 1, nil
	}
	return 0, 0, fmt.Errorf("invalid outcome status %q", status)
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
