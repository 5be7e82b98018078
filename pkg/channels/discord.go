package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/dotrag/pkg/bus"
	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	// Discord rejects messages over 2000 characters.
	discordMessageLimit = 1900
)

// DiscordChannel answers questions in Discord DMs and in guild channels
// where the bot is mentioned.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session

	typingMu sync.Mutex
	typing   map[string]*typingSession
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", mb, cfg.AllowFrom),
		session:     session,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.stopAllTyping()
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// Send posts a reply, split into several messages when it is too long.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord channel id is empty")
	}
	defer c.endTyping(msg.ChatID)

	for _, part := range splitMessage(msg.Content, discordMessageLimit) {
		if err := c.sendPart(ctx, msg.ChatID, part); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendPart(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send discord message: %w", sendCtx.Err())
	}
}

// splitMessage cuts content into parts of at most limit bytes, preferring
// line breaks and then spaces. Numbered citation lists therefore stay whole
// where possible.
func splitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	var parts []string
	for len(content) > limit {
		cut := strings.LastIndexByte(content[:limit], '\n')
		if cut < limit/2 {
			cut = strings.LastIndexAny(content[:limit], " \t")
		}
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, strings.TrimSpace(content[:cut]))
		content = strings.TrimSpace(content[cut:])
	}
	if content != "" {
		parts = append(parts, content)
	}
	return parts
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	botID := ""
	if s != nil && s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if m.Author.ID == botID {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && !mentions(m.Mentions, botID) {
		return
	}
	if !c.IsAllowed(m.Author.ID + "|" + m.Author.Username) {
		logger.DebugCF("discord", "Message rejected by allow list", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	content := stripMention(m.Content, botID)
	if content == "" {
		return
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
		"is_dm":      fmt.Sprintf("%t", isDM),
	}
	if c.HandleMessage(m.Author.ID+"|"+m.Author.Username, m.ChannelID, content, metadata) {
		c.beginTyping(m.ChannelID)
	}
}

func mentions(users []*discordgo.User, id string) bool {
	if id == "" {
		return false
	}
	for _, u := range users {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

func stripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" || !c.IsRunning() {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{pending: 1, cancel: cancel}
	c.typingMu.Unlock()

	c.sendTyping(channelID)
	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.DebugCF("discord", "Typing indicator failed", map[string]any{
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}

func (c *DiscordChannel) endTyping(channelID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}
