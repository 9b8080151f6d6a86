package domain

import (
	"time"
)

// Channel is an outbound notification channel.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelInApp    Channel = "in-app"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelInApp:
		return true
	}
	return false
}

// Notification delivery status.
const (
	NotificationQueued    = "queued"
	NotificationSent      = "sent"
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
)

// Notification is one outbound message tied to a case. Delivery is
// at-least-once with bounded retry; exhausting retries marks the record
// failed without touching the case that triggered it.
type Notification struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"caseId"`
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Payload   string  `json:"payload"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
