package feed

import (
	"context"
	"errors"
	"strconv"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const DefaultCursorKey = "blertbank:feed:cursor"

// MemoryCursor forgets its position on restart
type MemoryCursor struct {
	mu sync.Mutex
	id int64
	ok bool
}

func NewMemoryCursor() *MemoryCursor { return &MemoryCursor{} }

func (c *MemoryCursor) Load(context.Context) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.ok, nil
}

func (c *MemoryCursor) Save(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id, c.ok = id, true
	return nil
}

// RedisCursor keeps the position in a single Redis key
type RedisCursor struct {
	client *redis.Client
	key    string
}

func NewRedisCursor(client *redis.Client, key string) *RedisCursor {
	if key == "" {
		key = DefaultCursorKey
	}
	return &RedisCursor{client: client, key: key}
}

func (c *RedisCursor) Load(ctx context.Context) (int64, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (c *RedisCursor) Save(ctx context.Context, id int64) error {
	return c.client.Set(ctx, c.key, id, 0).Err()
}
