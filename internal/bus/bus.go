// Package bus provides event bus implementations for Regelwerk.
package bus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/regelwerk/internal/domain"
)

var (
	// ErrTenantRequired is returned when a message or subscription has no tenant.
	ErrTenantRequired = errors.New("tenantID is required")
	// ErrClosed is returned by a bus after Close.
	ErrClosed = errors.New("bus is closed")
)

// DefaultRequestTimeout bounds Request when ctx carries no deadline.
const DefaultRequestTimeout = 30 * time.Second

// route addresses the subscribers of one topic within one tenant.
// A route for the global tenant receives the topic for every tenant.
type route struct {
	tenantID string
	topic    string
}

func newRoute(tenantID, topic string) (route, error) {
	if tenantID == "" {
		return route{}, ErrTenantRequired
	}
	return route{tenantID: tenantID, topic: topic}, nil
}

// global is the wildcard route matching r's topic for all tenants.
func (r route) global() route {
	return route{tenantID: domain.GlobalTenantID, topic: r.topic}
}

// New creates the event bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case domain.BusChannel:
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case domain.BusNATS:
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

type metadataKey struct{}

// WithMetadata returns a context whose metadata is attached to every
// message published with it. Keys already on ctx are kept unless overridden.
func WithMetadata(ctx context.Context, kv map[string]string) context.Context {
	md := make(map[string]string, len(kv))
	if parent, ok := ctx.Value(metadataKey{}).(map[string]string); ok {
		maps.Copy(md, parent)
	}
	maps.Copy(md, kv)
	return context.WithValue(ctx, metadataKey{}, md)
}

// Metadata returns the metadata carried by ctx.
func Metadata(ctx context.Context) map[string]string {
	md, _ := ctx.Value(metadataKey{}).(map[string]string)
	return md
}

// newMessage builds the envelope shared by all bus implementations.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	md := make(map[string]string)
	maps.Copy(md, Metadata(ctx))

	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}
}

// handlerContext exposes the message metadata to the handler.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return WithMetadata(ctx, msg.Metadata)
}
