package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CodeLoader resolves a join code from the backing store.
type CodeLoader interface {
	SessionIDByJoinCode(ctx context.Context, code string) (string, error)
}

// JoinCodeCache caches join code lookups with TTL to avoid repeated store hits
// when a whole class types the same code.
type JoinCodeCache struct {
	loader CodeLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedCode
}

type cachedCode struct {
	sessionID string
	expiresAt time.Time
}

func NewJoinCodeCache(loader CodeLoader, ttl time.Duration) *JoinCodeCache {
	return &JoinCodeCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedCode),
	}
}

func (c *JoinCodeCache) Resolve(ctx context.Context, code string) (string, error) {
	if id, ok := c.lookup(code); ok {
		return id, nil
	}

	result, err, _ := c.sf.Do(code, func() (interface{}, error) {
		if id, ok := c.lookup(code); ok {
			return id, nil
		}

		id, err := c.loader.SessionIDByJoinCode(ctx, code)
		if err != nil {
			return "", err
		}

		expiresAt := c.clock().Add(c.ttlWithJitter())
		c.mu.Lock()
		c.cache[code] = cachedCode{sessionID: id, expiresAt: expiresAt}
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Forget drops a cached code, e.g. after its session was deleted.
func (c *JoinCodeCache) Forget(_ context.Context, code string) {
	c.mu.Lock()
	delete(c.cache, code)
	c.mu.Unlock()
}

func (c *JoinCodeCache) lookup(code string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[code]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return "", false
	}
	return entry.sessionID, true
}

func (c *JoinCodeCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
