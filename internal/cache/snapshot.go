package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ms-counters/internal/logger"
	"ms-counters/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	GenerationKey     = "counters:events:generation"
	SnapshotKeyPrefix = "counters:events:snapshot:"
)

// Connect creates a Redis client and checks it answers within five seconds.
func Connect(addr string, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       0,
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	if log != nil {
		log.Info("CACHE", fmt.Sprintf("Connected to Redis at %s", addr))
	}
	return client, nil
}

// SnapshotCache stores the full event listing in Redis. Every commit bumps a
// generation counter; snapshots are keyed by generation, so a fill that read
// the database before a commit lands under an old key and is never served.
type SnapshotCache struct {
	Client *redis.Client
	TTL    time.Duration
	log    *logger.Logger
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *SnapshotCache {
	if log == nil {
		log = logger.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SnapshotCache{Client: client, TTL: ttl, log: log}
}

func snapshotKey(gen int64) string {
	return SnapshotKeyPrefix + strconv.FormatInt(gen, 10)
}

// Generation returns the current generation, 0 when none was written yet.
func (c *SnapshotCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.Client.Get(ctx, GenerationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// Get returns the snapshot stored for gen, if any.
func (c *SnapshotCache) Get(ctx context.Context, gen int64) ([]models.Event, bool, error) {
	raw, err := c.Client.Get(ctx, snapshotKey(gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var events []models.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return events, true, nil
}

// Store saves events under gen with the configured TTL.
func (c *SnapshotCache) Store(ctx context.Context, gen int64, events []models.Event) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.Client.Set(ctx, snapshotKey(gen), raw, c.TTL).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Invalidate moves to a new generation. Older snapshots expire on their own.
func (c *SnapshotCache) Invalidate(ctx context.Context) error {
	gen, err := c.Client.Incr(ctx, GenerationKey).Result()
	if err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}
	c.log.Debug("CACHE", fmt.Sprintf("Snapshot generation is now %d", gen))
	return nil
}

// Load serves the listing from the cache and falls back to fetch on a miss.
// Redis failures are logged and degrade to a plain fetch.
func (c *SnapshotCache) Load(ctx context.Context, fetch func(context.Context) ([]models.Event, error)) ([]models.Event, error) {
	gen, err := c.Generation(ctx)
	if err != nil {
		c.log.Warn("CACHE", err.Error())
		return fetch(ctx)
	}

	events, hit, err := c.Get(ctx, gen)
	if err != nil {
		c.log.Warn("CACHE", err.Error())
	}
	if hit {
		c.log.Debug("CACHE", fmt.Sprintf("Snapshot hit at generation %d", gen))
		return events, nil
	}

	events, err = fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Store(ctx, gen, events); err != nil {
		c.log.Warn("CACHE", err.Error())
	}
	return events, nil
}
