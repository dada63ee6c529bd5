package domain

import (
	"context"
	"io"
)

// Event bus types.
const (
	BusChannel = "channel"
	BusNATS    = "nats"
)

// Publisher sends messages to a tenant's topic.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error
}

// Subscriber delivers a tenant's messages to a handler. Subscribing with
// GlobalTenantID receives the topic for every tenant.
type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)
}

// Requester implements request-reply on top of publish and subscribe.
// Reply is a no-op for messages without a reply address.
type Requester interface {
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)
	Reply(ctx context.Context, msg *Message, payload []byte) error
}

// EventBus carries calculation requests and results between the API and
// the workers.
type EventBus interface {
	Publisher
	Subscriber
	Requester

	Ping(ctx context.Context) error
	io.Closer
}

// MessageHandler processes one delivered message. Returned errors are
// logged by the bus.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus implementation transports.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Well-known message metadata keys.
const (
	MetaTraceID   = "trace-id"
	MetaRequestID = "request-id"
)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	Type string `json:"type"` // BusChannel or BusNATS

	// ChannelBufferSize is the per-subscriber buffer of the channel bus.
	ChannelBufferSize int `json:"channelBufferSize,omitempty"`

	NATSUrl           string `json:"natsUrl,omitempty"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects,omitempty"`
	NATSReconnectWait int    `json:"natsReconnectWait,omitempty"` // seconds
}

// Topics of the asynchronous calculation pipeline.
const (
	TopicCalculationRequested = "regelwerk.calculation.requested"
	TopicCalculationCompleted = "regelwerk.calculation.completed"
	TopicCalculationFailed    = "regelwerk.calculation.failed"
)
