// internal/model/outbound_message.go
package model

import "time"

const (
	MessageStatusPending = "pending"
	MessageStatusSending = "sending"
	MessageStatusSent    = "sent"
	MessageStatusFailed  = "failed"
)

// OutboundMessage is the delivery of one campaign to one recipient. Each
// message contributes exactly one increment to its campaign's counters.
type OutboundMessage struct {
	ID         int64     `db:"id" json:"id"`
	CampaignID string    `db:"campaign_id" json:"campaign_id"`
	Email      string    `db:"email" json:"email"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	Status     string    `db:"status" json:"status"` // pending, sending, sent, failed
	LastError  string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
