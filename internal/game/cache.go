package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/typerace/internal/protocol"
)

const snapshotTTL = time.Hour

// Cache keeps recent game snapshots in Redis so snapshot reads for
// games that have left memory do not always hit Postgres.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps a Redis client as a snapshot cache.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func snapshotKey(id uuid.UUID) string {
	return "game:" + id.String()
}

// Get returns the cached snapshot for a game, or (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*protocol.GameStatePayload, error) {
	data, err := c.rdb.Get(ctx, snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var snap protocol.GameStatePayload
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &snap, nil
}

// Set stores a snapshot with the standard TTL.
func (c *Cache) Set(ctx context.Context, id uuid.UUID, snap protocol.GameStatePayload) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, snapshotKey(id), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
