package bus

import "strings"

// InboundMessage is a user message received by a channel.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ThreadID is the conversation thread the message belongs to: the session
// key when the channel set one, otherwise channel and chat id.
func (m InboundMessage) ThreadID() string {
	if key := strings.TrimSpace(m.SessionKey); key != "" {
		return key
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply routed back to the originating channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
