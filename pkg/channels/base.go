// Package channels connects chat platforms to the message bus.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotrag/pkg/bus"
	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// Channel is a chat platform adapter. Inbound messages are published on the
// bus; replies arrive through Send.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel carries the allow list and bus plumbing shared by adapters.
type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, mb *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       mb,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(running bool) { c.running.Store(running) }

// IsAllowed reports whether senderID may talk to the assistant. An empty
// allow list admits everyone. Entries match the whole sender id, its id part
// or its username part of an "id|username" sender, with an optional leading
// "@".
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	idPart, userPart, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(allowed), "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}
	return false
}

// ThreadKey names the conversation thread of a chat on this channel.
func (c *BaseChannel) ThreadKey(chatID string) string {
	return c.name + ":" + chatID
}

// HandleMessage publishes an allowed sender's message to the bus. It
// reports whether the message was accepted.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		return false
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	ok := c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		SessionKey: c.ThreadKey(chatID),
		Metadata:   metadata,
	})
	if !ok {
		logger.WarnCF("channels", "Inbound message dropped", map[string]any{
			"channel": c.name,
			"chat_id": chatID,
		})
	}
	return ok
}
