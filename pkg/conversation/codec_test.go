package conversation

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/persist"
	"github.com/dotsetgreg/dotrag/pkg/priority"
	"github.com/dotsetgreg/dotrag/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	env.send(t, "thread-s", "How many incidents are open?")
	env.send(t, "thread-s", "which are these?")
	st, err := env.engine.Store().Get("thread-s")
	require.NoError(t, err)

	data, err := Serialize(&st)
	require.NoError(t, err)
	got, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, st.ConversationID, got.ConversationID)
	assert.Equal(t, st.TurnCount, got.TurnCount)
	assert.Equal(t, st.History, got.History)
	assert.Equal(t, st.SearchResults, got.SearchResults)
	assert.Equal(t, st.CurrentIntent, got.CurrentIntent)
	assert.Equal(t, st.TopicsDiscussed, got.TopicsDiscussed)
	assert.True(t, st.LastActivityAt.Equal(got.LastActivityAt))

	again, err := Serialize(got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, again), "encoding is deterministic")
}

func TestDeserializeRejectsBadInput(t *testing.T) {
	_, err := Deserialize([]byte("not a snapshot"))
	require.Error(t, err)

	st := newState("conv-1", "thread-1", "u", "s", time.Now())
	st.appendMessage(RoleUser, "hello", time.Now())
	st.TurnCount = 3
	data, err := Serialize(st)
	require.NoError(t, err)
	_, err = Deserialize(data)
	require.ErrorContains(t, err, "turn count")

	_, err = Serialize(nil)
	require.Error(t, err)
}

func TestSnapshotCarriesMemory(t *testing.T) {
	mem := memory.NewManager(memory.Config{})
	_, err := mem.StoreChunk("checkout runs on db_primary", memory.TierShortTerm, priority.High, "checkout", "database")
	require.NoError(t, err)
	mem.AdvanceTurn()

	st := newState("conv-1", "thread-1", "u", "s", time.Now())
	data, err := encodeSnapshot(st, mem)
	require.NoError(t, err)
	env, err := decodeSnapshot(data)
	require.NoError(t, err)

	require.Len(t, env.Memory, 1)
	assert.Equal(t, 1, env.MemoryTurn)
	recs := env.records()
	assert.Equal(t, priority.High, recs[0].Priority)
	assert.True(t, recs[0].Tags.Has("database"))
	assert.Equal(t, memory.TierShortTerm, recs[0].Tier)
}

func newSQLiteStore(t *testing.T, path string) *persist.SQLiteStore {
	t.Helper()
	store, err := persist.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRestoresLatestSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.db")
	cfg := config.DefaultConfig()

	first := NewStoreFromConfig(cfg, newSQLiteStore(t, path))
	retr := &fakeRetriever{}
	engine := NewEngine(cfg, first, nil, retr, nil, nil)
	r1, err := engine.HandleMessage(context.Background(), "thread-p", "u1", "How many incidents are open?")
	require.NoError(t, err)

	second := NewStoreFromConfig(cfg, newSQLiteStore(t, path))
	engine = NewEngine(cfg, second, nil, retr, nil, nil)
	r2, err := engine.HandleMessage(context.Background(), "thread-p", "u1", "which are these?")
	require.NoError(t, err)

	assert.Equal(t, r1.Metadata.ConversationID, r2.Metadata.ConversationID)
	assert.Equal(t, 2, r2.Metadata.TurnCount)
	assert.Equal(t, router.RouteContextualAnswer, r2.Metadata.Route)
	assert.Equal(t, 1, retr.Calls())
}

func TestStoreArchivesInvalidSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.db")
	snapshots := newSQLiteStore(t, path)

	bad := newState("conv-bad", "thread-bad", "u", "s", time.Now())
	bad.appendMessage(RoleUser, "hello", time.Now())
	bad.TurnCount = 4
	data, err := encodeSnapshot(bad, nil)
	require.NoError(t, err)
	require.NoError(t, snapshots.Save(context.Background(), "conv-bad", "thread-bad", data))

	store := NewStore(StoreConfig{IdleTimeout: time.Hour, Snapshots: snapshots})
	st, err := store.GetOrCreate(context.Background(), "thread-bad", "u")
	require.NoError(t, err)
	assert.NotEqual(t, "conv-bad", st.ConversationID)
	assert.Equal(t, StatusActive, st.Status)

	old, err := store.GetConversation("conv-bad")
	require.NoError(t, err)
	assert.Equal(t, StatusError, old.Status)
	assert.Equal(t, PhaseError, old.CurrentPhase)
	require.NotEmpty(t, old.ErrorMessages)

	saved, err := snapshots.Get(context.Background(), "conv-bad")
	require.NoError(t, err)
	_, err = Deserialize(saved.Data)
	require.Error(t, err, "archived snapshot keeps the inconsistent turn count")
}
