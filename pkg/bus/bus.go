// Package bus carries chat messages between channels and the conversation
// dispatcher.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/logger"
)

const (
	defaultBuffer         = 100
	defaultPublishTimeout = 100 * time.Millisecond
)

// MessageBus is a pair of buffered queues. Publishing never blocks longer
// than the publish timeout; messages that cannot be queued in time are
// counted and dropped.
type MessageBus struct {
	inbound        chan InboundMessage
	outbound       chan OutboundMessage
	publishTimeout time.Duration
	closed         bool
	mu             sync.RWMutex

	published struct{ inbound, outbound atomic.Uint64 }
	dropped   struct{ inbound, outbound atomic.Uint64 }
}

type Option func(*MessageBus)

// WithBuffer sets the capacity of both queues.
func WithBuffer(n int) Option {
	return func(mb *MessageBus) {
		if n > 0 {
			mb.inbound = make(chan InboundMessage, n)
			mb.outbound = make(chan OutboundMessage, n)
		}
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(mb *MessageBus) {
		if d > 0 {
			mb.publishTimeout = d
		}
	}
}

func NewMessageBus(opts ...Option) *MessageBus {
	mb := &MessageBus{
		inbound:        make(chan InboundMessage, defaultBuffer),
		outbound:       make(chan OutboundMessage, defaultBuffer),
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(mb)
	}
	return mb
}

// PublishInbound queues msg and reports whether it was accepted.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if !publish(mb.inbound, msg, mb.publishTimeout) {
		mb.dropped.inbound.Add(1)
		logger.WarnCF("bus", "Dropped inbound message", map[string]any{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
		})
		return false
	}
	mb.published.inbound.Add(1)
	return true
}

// PublishOutbound queues msg and reports whether it was accepted.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if !publish(mb.outbound, msg, mb.publishTimeout) {
		mb.dropped.outbound.Add(1)
		logger.WarnCF("bus", "Dropped outbound message", map[string]any{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
		})
		return false
	}
	mb.published.outbound.Add(1)
	return true
}

func publish[T any](ch chan T, msg T, timeout time.Duration) bool {
	select {
	case ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return consume(ctx, mb.inbound)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return consume(ctx, mb.outbound)
}

func consume[T any](ctx context.Context, ch chan T) (T, bool) {
	var zero T
	select {
	case msg, ok := <-ch:
		if !ok {
			return zero, false
		}
		return msg, true
	case <-ctx.Done():
		return zero, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

// Stats reports queue traffic since the bus was created.
type Stats struct {
	PublishedInbound  uint64
	PublishedOutbound uint64
	DroppedInbound    uint64
	DroppedOutbound   uint64
}

func (mb *MessageBus) Stats() Stats {
	return Stats{
		PublishedInbound:  mb.published.inbound.Load(),
		PublishedOutbound: mb.published.outbound.Load(),
		DroppedInbound:    mb.dropped.inbound.Load(),
		DroppedOutbound:   mb.dropped.outbound.Load(),
	}
}
