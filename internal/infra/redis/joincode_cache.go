package redis

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CodeLoader resolves a join code from the backing store.
type CodeLoader interface {
	SessionIDByJoinCode(ctx context.Context, code string) (string, error)
}

// JoinCodeCache shares join code lookups between instances.
// Entries are stored as: SET quiz:joincode:{code} {sessionID} EX ttl
type JoinCodeCache struct {
	client *redis.Client
	loader CodeLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewJoinCodeCache(client *redis.Client, loader CodeLoader, ttl time.Duration) *JoinCodeCache {
	return &JoinCodeCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *JoinCodeCache) Resolve(ctx context.Context, code string) (string, error) {
	key := c.key(code)
	if id, err := c.client.Get(ctx, key).Result(); err == nil {
		return id, nil
	}

	result, err, _ := c.sf.Do(code, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		id, err := c.client.Get(ctx, key).Result()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, redis.Nil) {
			// cache unavailable; the store is still authoritative
			return c.loader.SessionIDByJoinCode(ctx, code)
		}

		id, err = c.loader.SessionIDByJoinCode(ctx, code)
		if err != nil {
			return "", err
		}
		_ = c.client.Set(ctx, key, id, c.ttlWithJitter()).Err()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *JoinCodeCache) Forget(ctx context.Context, code string) {
	_ = c.client.Del(ctx, c.key(code)).Err()
}

func (c *JoinCodeCache) key(code string) string {
	return "quiz:joincode:" + code
}

func (c *JoinCodeCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
