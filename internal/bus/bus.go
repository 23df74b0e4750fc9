// Package bus provides event bus implementations for Sentinel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/sentinel/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrClosed is returned when publishing to or subscribing on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrBufferFull is returned when a subscriber cannot accept a message.
	ErrBufferFull = errors.New("subscriber buffer full")
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage builds the envelope shared by both bus implementations.
// The active trace ID, if any, travels in the metadata.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata["trace_id"] = sc.TraceID().String()
	}
	return msg
}
