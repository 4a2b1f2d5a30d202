// Package previewcache shares the latest case list snapshot through Redis,
// so other processes can show an agent's cases without hitting the backend.
package previewcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zulandar/casedesk/internal/models"
)

// DefaultTTL is how long a snapshot stays readable without a refresh.
const DefaultTTL = 5 * time.Minute

// ErrMiss is returned by Load when no snapshot is stored.
var ErrMiss = errors.New("previewcache: no snapshot")

// redisClient abstracts the Redis commands we use, enabling test fakes.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Snapshot is the stored form of a case list.
type Snapshot struct {
	AgentID   int64                `json:"agent_id"`
	UpdatedAt time.Time            `json:"updated_at"`
	Cases     []models.CaseSummary `json:"cases"`
}

// Cache reads and writes snapshots.
type Cache struct {
	rdb redisClient
	ttl time.Duration
	now func() time.Time
}

// Opts holds parameters for creating a Cache.
type Opts struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // defaults to DefaultTTL
	// For testing: inject a fake client.
	Client redisClient
}

// New creates a Cache. It does not contact Redis; call Ping to check the
// connection.
func New(opts Opts) (*Cache, error) {
	rdb := opts.Client
	if rdb == nil {
		if opts.Addr == "" {
			return nil, fmt.Errorf("previewcache: addr is required")
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl, now: time.Now}, nil
}

// Key returns the Redis key holding agentID's snapshot.
func Key(agentID int64) string {
	return fmt.Sprintf("desk:agent:%d:cases", agentID)
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("previewcache: ping: %w", err)
	}
	return nil
}

// Publish stores cases as agentID's snapshot. It implements caselist.Sink.
func (c *Cache) Publish(ctx context.Context, agentID int64, cases []models.CaseSummary) error {
	data, err := json.Marshal(Snapshot{AgentID: agentID, UpdatedAt: c.now(), Cases: cases})
	if err != nil {
		return fmt.Errorf("previewcache: encode: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(agentID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("previewcache: set: %w", err)
	}
	return nil
}

// Load returns agentID's snapshot, or ErrMiss when none is stored.
func (c *Cache) Load(ctx context.Context, agentID int64) (Snapshot, error) {
	data, err := c.rdb.Get(ctx, Key(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrMiss
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("previewcache: get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("previewcache: decode: %w", err)
	}
	return snap, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
