package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"videoQA/core"
)

const (
	redisKeyPrefix = "videoqa:entry:"
	// redisExpiryGrace 让Redis里的key比逻辑TTL多活一段时间，过期仍按InsertedAt判断
	redisExpiryGrace = 5 * time.Minute
	maxTxRetries     = 5
	// entryCountInterval 条目数是近似值，最多每隔这么久扫描一次
	entryCountInterval = 30 * time.Second
)

// RedisCache 基于Redis的视频缓存，多进程共享同一份聊天记录
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	entries *entryCounter
}

// entryCounter 缓存一次扫描得到的条目数，避免每次查询指标都遍历键空间
type entryCounter struct {
	count    func(ctx context.Context) (int, error)
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	value   int
	checked time.Time
}

func (e *entryCounter) get(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if !e.checked.IsZero() && now.Sub(e.checked) < e.interval {
		return e.value
	}
	e.checked = now
	n, err := e.count(ctx)
	if err != nil {
		log.Printf("Warning: redis entry count failed, keeping %d: %v", e.value, err)
		return e.value
	}
	e.value = n
	return n
}

// NewRedisCache 解析URL并测试连接
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if ttl <= 0 {
		ttl = core.DefaultCacheTTL
	}
	log.Printf("Redis cache connected: %s (ttl=%s)", opts.Addr, ttl)
	c := &RedisCache{rdb: rdb, ttl: ttl, now: time.Now}
	c.entries = &entryCounter{count: c.countEntries, interval: entryCountInterval, now: time.Now}
	return c, nil
}

func redisKey(id core.VideoID) string {
	return redisKeyPrefix + id
}

func (c *RedisCache) expiry() time.Duration {
	return c.ttl + redisExpiryGrace
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *RedisCache) load(ctx context.Context, getter stringGetter, id core.VideoID) (*core.CachedEntry, error) {
	data, err := getter.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var e core.CachedEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return &e, nil
}

func (c *RedisCache) Put(ctx context.Context, id core.VideoID, result core.ProcessResult, history core.ChatHistory) error {
	if history == nil {
		history = core.ChatHistory{}
	}
	data, err := json.Marshal(core.CachedEntry{
		VideoID:     id,
		Result:      result,
		ChatHistory: history,
		InsertedAt:  c.now(),
	})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := c.rdb.Set(ctx, redisKey(id), data, c.expiry()).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, id core.VideoID) (*core.CachedEntry, bool) {
	e, err := c.load(ctx, c.rdb, id)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("Warning: redis get %s failed: %v", id, err)
		}
		c.misses.Add(1)
		return nil, false
	}
	if e.Expired(c.now(), c.ttl) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e, true
}

// AppendHistory 用 WATCH/MULTI 做乐观锁，冲突时重试
func (c *RedisCache) AppendHistory(ctx context.Context, id core.VideoID, turn core.ChatTurn) (core.ChatHistory, bool) {
	var out core.ChatHistory
	ok := c.update(ctx, id, true, func(e *core.CachedEntry) {
		e.ChatHistory = append(e.ChatHistory, turn)
		out = e.ChatHistory.Clone()
	})
	return out, ok
}

func (c *RedisCache) SetHistory(ctx context.Context, id core.VideoID, history core.ChatHistory) bool {
	return c.update(ctx, id, false, func(e *core.CachedEntry) {
		e.ChatHistory = history.Clone()
	})
}

func (c *RedisCache) update(ctx context.Context, id core.VideoID, requireLive bool, mutate func(*core.CachedEntry)) bool {
	key := redisKey(id)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		found := false
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			e, err := c.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if requireLive && e.Expired(c.now(), c.ttl) {
				return redis.Nil
			}
			mutate(e)
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, redis.KeepTTL)
				return nil
			})
			if err == nil {
				found = true
			}
			return err
		}, key)

		switch {
		case err == nil:
			return found
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil):
			return false
		default:
			log.Printf("Warning: redis update %s failed: %v", id, err)
			return false
		}
	}
	log.Printf("Warning: redis update %s gave up after %d conflicts", id, maxTxRetries)
	return false
}

func (c *RedisCache) Clear(ctx context.Context, id core.VideoID) error {
	if err := c.rdb.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ClearAll 只删除本服务前缀下的key
func (c *RedisCache) ClearAll(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *RedisCache) Stats() core.CacheStats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return core.CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.entries.get(ctx),
	}
}

func (c *RedisCache) countEntries(ctx context.Context) (int, error) {
	n := 0
	iter := c.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
