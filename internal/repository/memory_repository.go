package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

// MemoryRepository keeps campaigns, outbound messages and the user
// directory in process memory. A single mutex serializes every mutation,
// which gives the same per-campaign atomicity as the Postgres transactions.
type MemoryRepository struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	order     []string
	messages  map[int64]*model.OutboundMessage
	byCamp    map[string][]int64
	nextMsgID int64
	users     []model.User

	Now func() time.Time
	// FailCreate, when set, makes Create return it without storing anything.
	FailCreate error
}

func NewMemoryRepository(users ...model.User) *MemoryRepository {
	return &MemoryRepository{
		campaigns: make(map[string]*model.Campaign),
		messages:  make(map[int64]*model.OutboundMessage),
		byCamp:    make(map[string][]int64),
		users:     append([]model.User(nil), users...),
		Now:       time.Now,
	}
}

// ====================== Users ======================

func (r *MemoryRepository) ListByRoleAndStatus(_ context.Context, role, status string) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := []model.User{}
	for _, u := range r.users {
		if role != "" && u.Role != role {
			continue
		}
		if status != "" && u.Status != status {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// Users returns the in-memory user directory.
func (r *MemoryRepository) Users() UserRepositoryInterface {
	return r
}

// ====================== Campaign lifecycle ======================

func (r *MemoryRepository) Create(_ context.Context, c *model.Campaign, recipients []model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailCreate != nil {
		return r.FailCreate
	}

	c.SendStats = model.SendStats{TotalRecipients: len(recipients)}
	c.IsCompleted = false
	c.SendCompletedAt = nil
	c.LastActivityAt = c.CreatedAt
	for i := range c.Sections {
		c.Sections[i].Position = i
	}

	stored := cloneCampaign(c)
	r.campaigns[c.ID] = stored
	r.order = append(r.order, c.ID)

	for _, u := range recipients {
		r.nextMsgID++
		r.messages[r.nextMsgID] = &model.OutboundMessage{
			ID:         r.nextMsgID,
			CampaignID: c.ID,
			Email:      u.Email,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Status:     model.MessageStatusPending,
			CreatedAt:  c.CreatedAt,
			UpdatedAt:  c.CreatedAt,
		}
		r.byCamp[c.ID] = append(r.byCamp[c.ID], r.nextMsgID)
	}
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (r *MemoryRepository) GetStatus(_ context.Context, id string) (*model.CampaignStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c.Status(), nil
}

func (r *MemoryRepository) ListCampaigns(_ context.Context, offset, limit int) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*model.Campaign, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, r.campaigns[id])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]*model.Campaign, 0, end-offset)
	for _, c := range all[offset:end] {
		page = append(page, cloneCampaign(c))
	}
	return page, total, nil
}

func (r *MemoryRepository) ListStalled(_ context.Context, inactiveSince time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for _, id := range r.order {
		c := r.campaigns[id]
		if !c.IsCompleted && c.LastActivityAt.Before(inactiveSince) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ====================== Outbound messages ======================

func (r *MemoryRepository) ClaimNextPending(_ context.Context, campaignID string) (*model.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byCamp[campaignID] {
		msg := r.messages[id]
		if msg.Status == model.MessageStatusPending {
			msg.Status = model.MessageStatusSending
			msg.UpdatedAt = r.Now()
			m := *msg
			return &m, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListSending(_ context.Context, campaignID string) ([]*model.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := []*model.OutboundMessage{}
	for _, id := range r.byCamp[campaignID] {
		if msg := r.messages[id]; msg.Status == model.MessageStatusSending {
			m := *msg
			msgs = append(msgs, &m)
		}
	}
	return msgs, nil
}

func (r *MemoryRepository) RecordOutcome(_ context.Context, msg *model.OutboundMessage, status, lastError string) (*model.CampaignStatus, bool, error) {
	sentInc, failedInc, err := increments(status)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.messages[msg.ID]
	if !ok || stored.Status != model.MessageStatusSending {
		return nil, false, nil
	}

	c, ok := r.campaigns[stored.CampaignID]
	if !ok {
		return nil, false, appErrors.NewCampaignNotFound(stored.CampaignID)
	}
	if c.IsCompleted || c.SendStats.Attempted()+sentInc+failedInc > c.SendStats.TotalRecipients {
		return nil, false, ErrCounterRejected
	}

	now := r.Now()
	stored.Status = status
	stored.LastError = lastError
	stored.UpdatedAt = now

	c.SendStats.Sent += sentInc
	c.SendStats.Failed += failedInc
	c.LastActivityAt = now
	if c.SendStats.Done() {
		c.IsCompleted = true
		c.SendCompletedAt = &now
	}

	msg.Status = status
	msg.LastError = lastError
	return c.Status(), true, nil
}

// Messages returns a copy of every outbound message of a campaign.
func (r *MemoryRepository) Messages(campaignID string) []model.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.OutboundMessage, 0, len(r.byCamp[campaignID]))
	for _, id := range r.byCamp[campaignID] {
		out = append(out, *r.messages[id])
	}
	return out
}

// SetMessageStatus forces a message into a status, simulating state left
// behind by a dispatcher that died mid-send.
func (r *MemoryRepository) SetMessageStatus(id int64, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.messages[id]; ok {
		msg.Status = status
	}
}

// Touch overrides a campaign's last activity timestamp.
func (r *MemoryRepository) Touch(campaignID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[campaignID]; ok {
		c.LastActivityAt = at
	}
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Sections = append([]model.Section{}, c.Sections...)
	if c.SendCompletedAt != nil {
		t := *c.SendCompletedAt
		cp.SendCompletedAt = &t
	}
	return &cp
}

var _ CampaignRepositoryInterface = (*MemoryRepository)(nil)
var _ UserRepositoryInterface = (*MemoryRepository)(nil)
