package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/contextmgr"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/persist"
	"github.com/google/uuid"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	IdleTimeout time.Duration
	Memory      memory.Config
	Context     contextmgr.Config
	// Snapshots is optional. When set, the latest snapshot for a thread is
	// restored on first use and every finished turn is saved.
	Snapshots persist.SnapshotStore
	Now       func() time.Time
}

// entry is the live conversation of one thread. turnMu is held for the whole
// of a turn and guards state, memory and context. view and pendingExpiry are
// guarded by Store.mu.
type entry struct {
	turnMu  sync.Mutex
	state   *State
	memory  *memory.Manager
	context *contextmgr.Manager

	memEvictions map[memory.Tier]int

	view          State
	pendingExpiry string
}

// Store is the registry of conversations keyed by thread. Conversations are
// never deleted: terminal states move to an archive keyed by conversation
// id.
type Store struct {
	cfg StoreConfig

	mu      sync.Mutex
	threads map[string]*entry
	archive map[string]State
}

// NewStoreFromConfig builds a store from the conversation, memory and
// context sections of cfg.
func NewStoreFromConfig(cfg *config.Config, snapshots persist.SnapshotStore) *Store {
	return NewStore(storeConfig(cfg, snapshots))
}

func storeConfig(cfg *config.Config, snapshots persist.SnapshotStore) StoreConfig {
	return StoreConfig{
		IdleTimeout: cfg.IdleTimeout(),
		Memory: memory.Config{
			WorkingCapacity:      cfg.Memory.WorkingCapacity,
			ShortTermCapacity:    cfg.Memory.ShortTermCapacity,
			LongTermCapacity:     cfg.Memory.LongTermCapacity,
			MaxRecordBytes:       cfg.Memory.MaxRecordBytes,
			ShortTermWindow:      cfg.Memory.ShortTermWindowTurns,
			PromotionHits:        cfg.Memory.PromotionAccessMin,
			RecencyHalfLifeTurns: cfg.Memory.RecencyHalfLifeTurns,
		},
		Context: contextmgr.Config{
			MaxChunks:     cfg.Context.MaxChunks,
			MaxBytes:      cfg.Context.MaxBytes,
			MinConfidence: cfg.Context.MinConfidence,
			MaxTools:      cfg.Context.MaxTools,
		},
		Snapshots: snapshots,
	}
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Memory.Now == nil {
		cfg.Memory.Now = cfg.Now
	}
	if cfg.Context.Now == nil {
		cfg.Context.Now = cfg.Now
	}
	return &Store{
		cfg:     cfg,
		threads: make(map[string]*entry),
		archive: make(map[string]State),
	}
}

// IdleTimeout is the inactivity span after which a conversation expires.
func (s *Store) IdleTimeout() time.Duration { return s.cfg.IdleTimeout }

// Create starts a new conversation on the thread. A conversation already
// active on the thread is ended first.
func (s *Store) Create(ctx context.Context, threadID, userID string) (State, error) {
	if threadID == "" {
		return State{}, errors.New("thread id is required")
	}
	ent, err := s.acquire(ctx, threadID, userID)
	if err != nil {
		return State{}, err
	}
	defer s.release(ctx, ent)
	if !ent.state.Status.Terminal() && ent.state.TurnCount > 0 {
		ent.state.setStatus(StatusEnded)
		ent.state.CurrentPhase = PhaseEnded
		s.archiveLocked(ctx, ent)
	}
	if ent.state.TurnCount > 0 || ent.state.Status.Terminal() {
		s.rotateLocked(ent, userID)
	}
	return ent.state.Clone(), nil
}

// GetOrCreate returns the current conversation of the thread, starting one
// when the thread has none or its last conversation is terminal.
func (s *Store) GetOrCreate(ctx context.Context, threadID, userID string) (State, error) {
	if threadID == "" {
		return State{}, errors.New("thread id is required")
	}
	ent, err := s.acquire(ctx, threadID, userID)
	if err != nil {
		return State{}, err
	}
	defer s.release(ctx, ent)
	if ent.state.Status.Terminal() {
		s.rotateLocked(ent, userID)
	}
	return ent.state.Clone(), nil
}

// Get returns the conversation current on the thread. Accessing an idle
// conversation expires it.
func (s *Store) Get(threadID string) (State, error) {
	s.mu.Lock()
	ent, ok := s.threads[threadID]
	if !ok || ent.view.ConversationID == "" {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: thread %s", ErrConversationNotFound, threadID)
	}
	s.mu.Unlock()

	now := s.cfg.Now()
	if ent.turnMu.TryLock() {
		if !ent.state.Status.Terminal() && ent.state.Idle(now, s.cfg.IdleTimeout) {
			s.expireLocked(context.Background(), ent)
		}
		s.publish(ent)
		ent.turnMu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return ent.view.Clone(), nil
}

// GetConversation looks a conversation up by id, including archived ones.
func (s *Store) GetConversation(conversationID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range s.threads {
		if ent.view.ConversationID == conversationID {
			return ent.view.Clone(), nil
		}
	}
	if st, ok := s.archive[conversationID]; ok {
		return st.Clone(), nil
	}
	return State{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
}

// Active counts the conversations that are neither terminal nor idle.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ent := range s.threads {
		if ent.view.ConversationID != "" && !ent.view.Status.Terminal() {
			n++
		}
	}
	return n
}

// ExpireIdle marks every conversation idle at now as EXPIRED and returns how
// many were expired. A conversation with a turn in flight is expired as soon
// as that turn finishes.
func (s *Store) ExpireIdle(now time.Time) int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	s.mu.Lock()
	var candidates []*entry
	for _, ent := range s.threads {
		if ent.view.Status.Terminal() || ent.view.ConversationID == "" {
			continue
		}
		if ent.view.Idle(now, s.cfg.IdleTimeout) {
			candidates = append(candidates, ent)
		}
	}
	s.mu.Unlock()

	expired := 0
	for _, ent := range candidates {
		if !ent.turnMu.TryLock() {
			s.mu.Lock()
			ent.pendingExpiry = ent.view.ConversationID
			s.mu.Unlock()
			continue
		}
		if !ent.state.Status.Terminal() && ent.state.Idle(now, s.cfg.IdleTimeout) {
			s.expireLocked(context.Background(), ent)
			expired++
		}
		s.publish(ent)
		ent.turnMu.Unlock()
	}
	if expired > 0 {
		logger.InfoCF("conversation", "Expired idle conversations", map[string]any{
			"count": expired,
		})
	}
	return expired
}

// acquire locks the thread for a turn, loading or creating its state. A
// caller whose ctx ends while it waits for the thread gets ctx's error and
// holds no lock.
func (s *Store) acquire(ctx context.Context, threadID, userID string) (*entry, error) {
	s.mu.Lock()
	ent, ok := s.threads[threadID]
	if !ok {
		ent = &entry{}
		s.threads[threadID] = ent
	}
	s.mu.Unlock()

	ent.turnMu.Lock()
	if err := ctx.Err(); err != nil {
		ent.turnMu.Unlock()
		return nil, err
	}

	if ent.state == nil {
		if !s.restoreLocked(ctx, ent, threadID) {
			ent.state = newState(uuid.NewString(), threadID, userID, uuid.NewString(), s.cfg.Now())
			ent.memory = memory.NewManager(s.cfg.Memory)
		}
		ent.context = contextmgr.NewManager(s.cfg.Context)
		ent.memEvictions = make(map[memory.Tier]int)
	}
	return ent, nil
}

// release persists the turn's result, applies a pending expiry and unlocks
// the thread.
func (s *Store) release(ctx context.Context, ent *entry) {
	s.mu.Lock()
	pending := ent.pendingExpiry
	ent.pendingExpiry = ""
	s.mu.Unlock()

	if pending != "" && pending == ent.state.ConversationID && !ent.state.Status.Terminal() {
		s.expireLocked(ctx, ent)
	} else {
		s.saveLocked(ctx, ent)
	}
	s.publish(ent)
	ent.turnMu.Unlock()
}

func (s *Store) publish(ent *entry) {
	view := ent.state.Clone()
	s.mu.Lock()
	ent.view = view
	s.mu.Unlock()
}

// rotateLocked replaces a terminal conversation with a fresh one on the same
// thread.
func (s *Store) rotateLocked(ent *entry, userID string) {
	prev := ent.state
	if userID == "" {
		userID = prev.UserID
	}
	ent.state = newState(uuid.NewString(), prev.ThreadID, userID, uuid.NewString(), s.cfg.Now())
	ent.memory = memory.NewManager(s.cfg.Memory)
	ent.memEvictions = make(map[memory.Tier]int)
	ent.context.Reset()
	logger.InfoCF("conversation", "Started new conversation", map[string]any{
		"thread_id":       prev.ThreadID,
		"conversation_id": ent.state.ConversationID,
		"previous_id":     prev.ConversationID,
	})
}

func (s *Store) expireLocked(ctx context.Context, ent *entry) {
	if !ent.state.setStatus(StatusExpired) {
		return
	}
	ent.state.CurrentPhase = PhaseExpired
	ent.memory.Clear()
	logger.InfoCF("conversation", "Conversation expired", map[string]any{
		"thread_id":       ent.state.ThreadID,
		"conversation_id": ent.state.ConversationID,
		"idle_for":        s.cfg.Now().Sub(ent.state.LastActivityAt).String(),
	})
	s.archiveLocked(ctx, ent)
}

// archiveLocked records a terminal state under its conversation id.
func (s *Store) archiveLocked(ctx context.Context, ent *entry) {
	s.mu.Lock()
	s.archive[ent.state.ConversationID] = ent.state.Clone()
	s.mu.Unlock()
	s.saveLocked(ctx, ent)
}

func (s *Store) saveLocked(ctx context.Context, ent *entry) {
	if s.cfg.Snapshots == nil || ent.state.TurnCount == 0 && !ent.state.Status.Terminal() {
		return
	}
	data, err := encodeSnapshot(ent.state, ent.memory)
	if err != nil {
		logger.WarnCF("conversation", "Failed to encode snapshot", map[string]any{
			"conversation_id": ent.state.ConversationID,
			"error":           err.Error(),
		})
		return
	}
	if err := s.cfg.Snapshots.Save(context.WithoutCancel(ctx), ent.state.ConversationID, ent.state.ThreadID, data); err != nil {
		logger.WarnCF("conversation", "Failed to save snapshot", map[string]any{
			"conversation_id": ent.state.ConversationID,
			"error":           err.Error(),
		})
	}
}

// restoreLocked loads the thread's latest snapshot. A snapshot that fails
// validation is archived as an error and a fresh conversation is started.
func (s *Store) restoreLocked(ctx context.Context, ent *entry, threadID string) bool {
	if s.cfg.Snapshots == nil {
		return false
	}
	snap, err := s.cfg.Snapshots.Latest(ctx, threadID)
	if err != nil {
		if !errors.Is(err, persist.ErrSnapshotNotFound) {
			logger.WarnCF("conversation", "Failed to load snapshot", map[string]any{
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
		return false
	}
	env, err := decodeSnapshot(snap.Data)
	if err != nil {
		logger.WarnCF("conversation", "Discarding unreadable snapshot", map[string]any{
			"thread_id":       threadID,
			"conversation_id": snap.ConversationID,
			"error":           err.Error(),
		})
		return false
	}

	mem := memory.NewManager(s.cfg.Memory)
	mem.Restore(env.MemoryTurn, env.records())
	ent.state = &env.State
	ent.memory = mem

	if err := env.State.Validate(); err != nil {
		logger.WarnCF("conversation", "Snapshot failed validation", map[string]any{
			"thread_id":       threadID,
			"conversation_id": env.State.ConversationID,
			"error":           err.Error(),
		})
		ent.state.Status = StatusError
		ent.state.CurrentPhase = PhaseError
		ent.state.ErrorMessages = append(ent.state.ErrorMessages, "restore: "+err.Error())
		ent.context = contextmgr.NewManager(s.cfg.Context)
		s.archiveLocked(ctx, ent)
	}
	logger.DebugCF("conversation", "Restored conversation snapshot", map[string]any{
		"thread_id":       threadID,
		"conversation_id": env.State.ConversationID,
		"turn_count":      env.State.TurnCount,
	})
	return true
}
