// DotRAG - Retrieval-augmented conversational assistant
// License: MIT
//
// Copyright (c) 2026 DotRAG contributors

package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dotsetgreg/dotrag/pkg/bus"
	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// ErrNoChannels is returned by StartAll when no channel is enabled.
var ErrNoChannels = errors.New("no channels enabled")

// Manager starts the enabled channels and routes outbound replies to them.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates the channels enabled in cfg.
func NewManager(cfg config.ChannelsConfig, mb *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		bus:      mb,
		channels: make(map[string]Channel),
	}
	if cfg.Discord.Enabled {
		discord, err := NewDiscordChannel(cfg.Discord, mb)
		if err != nil {
			return nil, fmt.Errorf("initialize discord channel: %w", err)
		}
		m.channels[discord.Name()] = discord
	}
	logger.InfoCF("channels", "Channels initialized", map[string]any{
		"enabled": m.Enabled(),
	})
	return m, nil
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Enabled returns the channel names in sorted order.
func (m *Manager) Enabled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every channel and the outbound router. If any channel
// fails the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	names := m.Enabled()
	if len(names) == 0 {
		return ErrNoChannels
	}

	var started []Channel
	var errs []error
	for _, name := range names {
		ch, _ := m.Get(name)
		if err := ch.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		started = append(started, ch)
	}
	if len(errs) > 0 {
		for _, ch := range started {
			if err := ch.Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially started channel", map[string]any{
					"channel": ch.Name(),
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("start channels: %w", errors.Join(errs...))
	}

	routeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.mu.Unlock()
	go m.routeOutbound(routeCtx, done)

	logger.InfoCF("channels", "Channels started", map[string]any{"channels": names})
	return nil
}

// StopAll stops the outbound router and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	for _, name := range m.Enabled() {
		ch, _ := m.Get(name)
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) routeOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch, exists := m.Get(msg.Channel)
		if !exists {
			logger.DebugCF("channels", "No channel for outbound message", map[string]any{
				"channel": msg.Channel,
			})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to deliver reply", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}
