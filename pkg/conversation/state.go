// Package conversation runs the per-thread turn state machine: it analyzes
// each message, routes it, gathers knowledge and composes the reply.
package conversation

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/router"
)

var (
	// ErrConversationExpired is returned for a message that reached a
	// conversation after its idle timeout. The next message on the thread
	// starts a new conversation.
	ErrConversationExpired = errors.New("conversation expired")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive     Status = "active"
	StatusClarifying Status = "clarifying"
	StatusEnded      Status = "ended"
	StatusExpired    Status = "expired"
	StatusError      Status = "error"
)

// Terminal reports whether the conversation accepts no further turns.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusExpired || s == StatusError
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role      Role      `cbor:"1,keyasint" json:"role"`
	Content   string    `cbor:"2,keyasint" json:"content"`
	Timestamp time.Time `cbor:"3,keyasint" json:"timestamp"`
}

// State is one conversation on a thread. It is only mutated by the engine
// while the thread's turn lock is held; callers receive clones.
type State struct {
	ConversationID string `cbor:"1,keyasint" json:"conversation_id"`
	ThreadID       string `cbor:"2,keyasint" json:"thread_id"`
	UserID         string `cbor:"3,keyasint" json:"user_id"`
	SessionID      string `cbor:"4,keyasint" json:"session_id"`

	History   []Message `cbor:"5,keyasint" json:"history"`
	TurnCount int       `cbor:"6,keyasint" json:"turn_count"`

	OriginalQuery   string            `cbor:"7,keyasint" json:"original_query"`
	ProcessedQuery  string            `cbor:"8,keyasint" json:"processed_query"`
	CurrentIntent   router.Intent     `cbor:"9,keyasint" json:"current_intent"`
	QueryComplexity router.Complexity `cbor:"10,keyasint" json:"query_complexity"`
	ConfidenceScore float64           `cbor:"11,keyasint" json:"confidence_score"`
	CurrentRoute    router.Route      `cbor:"12,keyasint" json:"current_route"`
	RouteReasoning  string            `cbor:"13,keyasint" json:"route_reasoning"`

	SearchResults         []retrieval.Source `cbor:"14,keyasint" json:"search_results"`
	ActiveContextChunkIDs []string           `cbor:"15,keyasint" json:"active_context_chunk_ids"`

	CurrentPhase      Phase    `cbor:"16,keyasint" json:"current_phase"`
	Status            Status   `cbor:"17,keyasint" json:"status"`
	TopicsDiscussed   []string `cbor:"18,keyasint" json:"topics_discussed"`
	EntitiesMentioned []string `cbor:"19,keyasint" json:"entities_mentioned"`
	QualityScore      float64  `cbor:"20,keyasint" json:"quality_score"`
	WarningMessages   []string `cbor:"21,keyasint" json:"warning_messages"`
	ErrorMessages     []string `cbor:"22,keyasint" json:"error_messages"`

	CreatedAt      time.Time `cbor:"23,keyasint" json:"created_at"`
	LastActivityAt time.Time `cbor:"24,keyasint" json:"last_activity_at"`
}

func newState(conversationID, threadID, userID, sessionID string, now time.Time) *State {
	return &State{
		ConversationID: conversationID,
		ThreadID:       threadID,
		UserID:         userID,
		SessionID:      sessionID,
		CurrentPhase:   PhaseInit,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	out := *s
	out.History = append([]Message(nil), s.History...)
	out.SearchResults = append([]retrieval.Source(nil), s.SearchResults...)
	out.ActiveContextChunkIDs = append([]string(nil), s.ActiveContextChunkIDs...)
	out.TopicsDiscussed = append([]string(nil), s.TopicsDiscussed...)
	out.EntitiesMentioned = append([]string(nil), s.EntitiesMentioned...)
	out.WarningMessages = append([]string(nil), s.WarningMessages...)
	out.ErrorMessages = append([]string(nil), s.ErrorMessages...)
	return out
}

// Idle reports whether the conversation has been inactive for longer than
// timeout at now.
func (s *State) Idle(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActivityAt) > timeout
}

// Validate checks the structural invariants of a state.
func (s *State) Validate() error {
	if s.ConversationID == "" || s.ThreadID == "" {
		return errors.New("conversation and thread ids are required")
	}
	users := 0
	for _, m := range s.History {
		if m.Role == RoleUser {
			users++
		}
	}
	if users != s.TurnCount {
		return errors.New("turn count does not match user messages")
	}
	if !s.CurrentPhase.Valid() {
		return errors.New("unknown phase")
	}
	switch s.Status {
	case StatusActive, StatusClarifying, StatusEnded, StatusExpired, StatusError:
	default:
		return errors.New("unknown status")
	}
	return nil
}

// setStatus moves the conversation forward. A terminal status is never
// left.
func (s *State) setStatus(next Status) bool {
	if s.Status.Terminal() && s.Status != next {
		return false
	}
	s.Status = next
	return true
}

func (s *State) appendMessage(role Role, content string, at time.Time) {
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: at})
	if role == RoleUser {
		s.TurnCount++
	}
}

// addTopics appends topics not seen before, keeping first-mention order.
func (s *State) addTopics(topics ...string) {
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || contains(s.TopicsDiscussed, t) {
			continue
		}
		s.TopicsDiscussed = append(s.TopicsDiscussed, t)
	}
}

// addEntities keeps EntitiesMentioned as a sorted set.
func (s *State) addEntities(entities ...string) {
	for _, e := range entities {
		e = strings.TrimSpace(e)
		if e == "" || contains(s.EntitiesMentioned, e) {
			continue
		}
		s.EntitiesMentioned = append(s.EntitiesMentioned, e)
	}
	sort.Strings(s.EntitiesMentioned)
}

func (s *State) warn(msg string) {
	s.WarningMessages = append(s.WarningMessages, msg)
}

// recentTurns converts the last n history messages for query analysis.
func (s *State) recentTurns(n int) []router.Turn {
	start := len(s.History) - n
	if start < 0 {
		start = 0
	}
	out := make([]router.Turn, 0, len(s.History)-start)
	for _, m := range s.History[start:] {
		out = append(out, router.Turn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
