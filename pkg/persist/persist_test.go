package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_SaveAndLoad(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "conversations.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "conv-1", "thread-a", []byte("v1")))
	require.NoError(t, store.Save(ctx, "conv-1", "thread-a", []byte("v2")))
	require.NoError(t, store.Save(ctx, "conv-2", "thread-b", []byte("other")))

	snap, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), snap.Data)
	assert.Equal(t, "thread-a", snap.ThreadID)
	assert.False(t, snap.SavedAt.IsZero())

	latest, err := store.Latest(ctx, "thread-b")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", latest.ConversationID)

	history, err := store.History(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []byte("v1"), history[0].Data)
}

func TestSQLiteStore_LatestFollowsNewConversation(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "conv-old", "thread-a", []byte("ended")))
	require.NoError(t, store.Save(ctx, "conv-new", "thread-a", []byte("active")))

	latest, err := store.Latest(ctx, "thread-a")
	require.NoError(t, err)
	assert.Equal(t, "conv-new", latest.ConversationID)

	old, err := store.Get(ctx, "conv-old")
	require.NoError(t, err)
	assert.Equal(t, []byte("ended"), old.Data)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	_, err = store.Latest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.Error(t, store.Save(context.Background(), "", "t", nil))
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "conv-1", "thread-a", []byte{0x00, 0xff}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	snap, err := reopened.Latest(context.Background(), "thread-a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, snap.Data)
}

func TestOpen(t *testing.T) {
	store, err := Open(config.PersistenceConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = Open(config.PersistenceConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())

	_, err = Open(config.PersistenceConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "dotrag:snapshot:conv-1", snapshotKey("conv-1"))
	assert.Equal(t, "dotrag:thread:t-9", threadKey("t-9"))
}

// Runs against a live server when DOTRAG_TEST_REDIS_ADDR is set.
func TestRedisStore_Live(t *testing.T) {
	addr := os.Getenv("DOTRAG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DOTRAG_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	store := newRedisStore(client, time.Minute)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))
	t.Cleanup(func() { client.Del(ctx, snapshotKey("conv-live"), threadKey("thread-live")) })

	require.NoError(t, store.Save(ctx, "conv-live", "thread-live", []byte{0x01, 0x02}))
	snap, err := store.Latest(ctx, "thread-live")
	require.NoError(t, err)
	assert.Equal(t, "conv-live", snap.ConversationID)
	assert.Equal(t, []byte{0x01, 0x02}, snap.Data)

	ttl, err := client.TTL(ctx, threadKey("thread-live")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = store.Get(ctx, "conv-missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
