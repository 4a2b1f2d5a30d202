package models

import "time"

// CaseSummary is one conversation thread as shown in an agent's case list.
type CaseSummary struct {
	CaseID             int64      `gorm:"primaryKey;autoIncrement:false" json:"case_id"`
	AgentID            int64      `gorm:"index" json:"agent_id,omitempty"`
	ClientName         string     `gorm:"size:128" json:"client_name"`
	IntegrationName    string     `gorm:"size:64" json:"integration_name"`
	Channel            string     `gorm:"size:64" json:"channel"`
	SenderID           string     `gorm:"size:128" json:"sender_id"`
	UnreadCount        int        `gorm:"not null;default:0" json:"unread_count"`
	LastMessagePreview string     `gorm:"type:text" json:"last_message_preview"`
	LastMessageAt      *time.Time `gorm:"index" json:"last_message_at"`
}

// TableName keeps the table name short; gorm would otherwise derive
// "case_summaries".
func (CaseSummary) TableName() string { return "cases" }

// NewerThan reports whether c sorts before o in a recency-ordered list.
// A nil LastMessageAt is treated as the earliest possible time.
func (c CaseSummary) NewerThan(o CaseSummary) bool {
	switch {
	case c.LastMessageAt == nil:
		return false
	case o.LastMessageAt == nil:
		return true
	default:
		return c.LastMessageAt.After(*o.LastMessageAt)
	}
}
