// Package persist stores serialized conversation snapshots.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

// ErrSnapshotNotFound is returned when no snapshot exists for the key.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is one stored conversation state.
type Snapshot struct {
	ConversationID string
	ThreadID       string
	Data           []byte
	SavedAt        time.Time
}

// SnapshotStore keeps the latest snapshot per conversation and remembers
// which conversation is current for each thread.
type SnapshotStore interface {
	Save(ctx context.Context, conversationID, threadID string, data []byte) error
	Get(ctx context.Context, conversationID string) (Snapshot, error)
	Latest(ctx context.Context, threadID string) (Snapshot, error)
	Close() error
}

// Open returns the configured store, or nil when persistence is disabled.
func Open(cfg config.PersistenceConfig) (SnapshotStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "sqlite":
		store, err := NewSQLiteStore(config.ExpandHome(cfg.SQLitePath))
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := NewRedisStore(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      time.Duration(cfg.RedisTTLHours) * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
