package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/scarryhott/tagtokn/internal/models"
)

const autoReplyTimeout = 45 * time.Second

// Payload is the body of an inbound webhook delivery
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the events of one account
type Entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

// MessagingEvent is a single messaging event
type MessagingEvent struct {
	Sender    Participant `json:"sender"`
	Recipient Participant `json:"recipient"`
	Timestamp int64       `json:"timestamp"`
	Message   *Message    `json:"message,omitempty"`
}

// Participant identifies a sender or recipient
type Participant struct {
	ID string `json:"id"`
}

// Message is the message part of a messaging event
type Message struct {
	MID    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo"`
}

// ParsePayload decodes a webhook body
func ParsePayload(body []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	return &payload, nil
}

// Receiver journals inbound messaging events and optionally answers them
type Receiver struct {
	db        *gorm.DB
	sender    *Sender
	autoReply string
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewReceiver creates a receiver. An empty autoReply disables replies.
func NewReceiver(db *gorm.DB, sender *Sender, autoReply string) *Receiver {
	return &Receiver{
		db:        db,
		sender:    sender,
		autoReply: autoReply,
		now:       time.Now,
	}
}

// Handle journals every inbound message of payload and returns how many were
// stored. Echoes of our own messages are skipped.
func (r *Receiver) Handle(ctx context.Context, payload *Payload) (int, error) {
	now := r.now().UTC()

	var events []models.WebhookEvent
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.IsEcho {
				continue
			}
			events = append(events, models.WebhookEvent{
				ID:          uuid.NewString(),
				Object:      payload.Object,
				SenderID:    ev.Sender.ID,
				RecipientID: ev.Recipient.ID,
				MessageID:   ev.Message.MID,
				Text:        ev.Message.Text,
				ReceivedAt:  now,
			})
		}
	}

	if len(events) == 0 {
		return 0, nil
	}

	if err := r.db.WithContext(ctx).Create(&events).Error; err != nil {
		return 0, fmt.Errorf("failed to journal webhook events: %w", err)
	}

	if r.autoReply != "" && r.sender != nil && r.sender.Enabled() {
		for _, ev := range events {
			r.reply(ev.SenderID)
		}
	}

	return len(events), nil
}

// reply answers senderID in the background; the webhook must be acknowledged
// without waiting for the messaging API.
func (r *Receiver) reply(senderID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), autoReplyTimeout)
		defer cancel()

		if _, err := r.sender.Send(ctx, senderID, r.autoReply, nil); err != nil {
			log.Printf("Webhook: Failed to auto-reply to %s: %v", senderID, err)
		}
	}()
}

// Wait blocks until every background reply has finished
func (r *Receiver) Wait() {
	r.wg.Wait()
}
