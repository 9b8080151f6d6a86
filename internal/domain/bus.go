package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication between
// pipeline stages and toward the dashboards' activity feed.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. Returns a subscription
	// that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type selects the backend: "channel" in-process, "nats" for the
	// distributed tier.
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int
}

// Standard topic names for the detection pipeline and the
// operator-facing activity stream.
const (
	TopicSignalReceived     = "kestrel.signal.received"
	TopicSignalIngested     = "kestrel.signal.ingested"
	TopicSignalRejected     = "kestrel.signal.rejected"
	TopicAssessmentComputed = "kestrel.assessment.computed"
	TopicAlertRaised        = "kestrel.alert.raised"
	TopicAlertResolved      = "kestrel.alert.resolved"
	TopicCaseTransition     = "kestrel.case.transition"
	TopicCaseOverdue        = "kestrel.case.overdue"
	TopicNotificationFailed = "kestrel.notification.failed"
)

// ActivityEvent is the structured event published for the dashboards'
// recent-activity feed.
type ActivityEvent struct {
	Type      string         `json:"type"`
	StudentID string         `json:"studentId,omitempty"`
	CaseID    string         `json:"caseId,omitempty"`
	AlertID   string         `json:"alertId,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        int64          `json:"at"`
}
