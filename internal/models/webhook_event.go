package models

import "time"

// WebhookEvent is a journaled inbound messaging event
type WebhookEvent struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Object      string    `json:"object" gorm:"not null"`
	SenderID    string    `json:"sender_id" gorm:"index"`
	RecipientID string    `json:"recipient_id"`
	MessageID   string    `json:"message_id"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"received_at" gorm:"not null"`
}

// TableName specifies the table name for WebhookEvent
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
