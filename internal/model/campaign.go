// internal/model/campaign.go
package model

import "time"

// Campaign is one bulk promotional email send, tracked from creation
// through completion.
type Campaign struct {
	ID              string     `json:"id"`
	Subject         string     `json:"subject"`
	Sections        []Section  `json:"sections"`
	CreatedBy       string     `json:"createdBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	SendStats       SendStats  `json:"sendStats"`
	IsCompleted     bool       `json:"isCompleted"`
	SendCompletedAt *time.Time `json:"sendCompletedAt,omitempty"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
}

// Section is one content block of the email body. Sections render in
// Position order.
type Section struct {
	Position int    `json:"-"`
	Content  string `json:"content"`
	Image    string `json:"image,omitempty"`
	ImageKey string `json:"-"`
}

// SendStats holds the per-campaign counters. sent+failed never exceeds
// TotalRecipients.
type SendStats struct {
	TotalRecipients int `json:"totalRecipients"`
	Sent            int `json:"sent"`
	Failed          int `json:"failed"`
}

func (s SendStats) Attempted() int {
	return s.Sent + s.Failed
}

func (s SendStats) Done() bool {
	return s.Attempted() == s.TotalRecipients
}

// CampaignStatus is the read model served to pollers.
type CampaignStatus struct {
	ID              string     `json:"id"`
	IsCompleted     bool       `json:"isCompleted"`
	SendStats       SendStats  `json:"sendStats"`
	SendCompletedAt *time.Time `json:"sendCompletedAt,omitempty"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	IsStalled       bool       `json:"isStalled"`
}

// Status projects the campaign onto its poller read model.
func (c *Campaign) Status() *CampaignStatus {
	st := &CampaignStatus{
		ID:             c.ID,
		IsCompleted:    c.IsCompleted,
		SendStats:      c.SendStats,
		LastActivityAt: c.LastActivityAt,
	}
	if c.SendCompletedAt != nil {
		t := *c.SendCompletedAt
		st.SendCompletedAt = &t
	}
	return st
}
