package core

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheTTL 缓存条目默认有效期
const DefaultCacheTTL = time.Hour

// VideoCache 内存视频缓存。
// 过期只在读取时判断，条目不会被后台清理；maxEntries > 0 时按LRU限制条目数。
type VideoCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[VideoID]*CachedEntry
	bounded *lru.Cache[VideoID, *CachedEntry]
	locks   *KeyedMutex
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// CacheOption 缓存选项
type CacheOption func(*VideoCache)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) CacheOption {
	return func(c *VideoCache) { c.now = now }
}

// WithMaxEntries 启用LRU上限
func WithMaxEntries(n int) CacheOption {
	return func(c *VideoCache) {
		if n <= 0 {
			return
		}
		l, err := lru.NewWithEvict(n, func(key VideoID, _ *CachedEntry) {
			c.evictions.Add(1)
			log.Printf("缓存已淘汰: %s", key)
		})
		if err != nil {
			log.Printf("创建LRU缓存失败，使用无上限缓存: %v", err)
			return
		}
		c.bounded = l
	}
}

// NewVideoCache 创建视频缓存
func NewVideoCache(ttl time.Duration, opts ...CacheOption) *VideoCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &VideoCache{
		ttl:     ttl,
		entries: make(map[VideoID]*CachedEntry),
		locks:   NewKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *VideoCache) load(id VideoID) (*CachedEntry, bool) {
	if c.bounded != nil {
		return c.bounded.Get(id)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

func (c *VideoCache) store(id VideoID, e *CachedEntry) {
	if c.bounded != nil {
		c.bounded.Add(id, e)
		return
	}
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

func (c *VideoCache) remove(id VideoID) {
	if c.bounded != nil {
		c.bounded.Remove(id)
		return
	}
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Put 无条件覆盖已有条目并重置插入时间
func (c *VideoCache) Put(_ context.Context, id VideoID, result ProcessResult, history ChatHistory) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	if history == nil {
		history = ChatHistory{}
	}
	c.store(id, &CachedEntry{
		VideoID:     id,
		Result:      result,
		ChatHistory: history.Clone(),
		InsertedAt:  c.now(),
	})
	return nil
}

// Get 读取条目，超过TTL视为不存在（但不删除）
func (c *VideoCache) Get(_ context.Context, id VideoID) (*CachedEntry, bool) {
	e, ok := c.load(id)
	if !ok || e.Expired(c.now(), c.ttl) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	cp := *e
	cp.ChatHistory = e.ChatHistory.Clone()
	return &cp, true
}

// AppendHistory 读取-追加-写回在同一个视频的锁内完成
func (c *VideoCache) AppendHistory(_ context.Context, id VideoID, turn ChatTurn) (ChatHistory, bool) {
	unlock := c.locks.Lock(id)
	defer unlock()

	e, ok := c.load(id)
	if !ok || e.Expired(c.now(), c.ttl) {
		return nil, false
	}
	history := make(ChatHistory, 0, len(e.ChatHistory)+1)
	history = append(history, e.ChatHistory...)
	history = append(history, turn)

	updated := *e
	updated.ChatHistory = history
	c.store(id, &updated)
	return history.Clone(), true
}

// SetHistory 覆盖聊天记录，条目不存在时不做任何事
func (c *VideoCache) SetHistory(_ context.Context, id VideoID, history ChatHistory) bool {
	unlock := c.locks.Lock(id)
	defer unlock()

	e, ok := c.load(id)
	if !ok {
		return false
	}
	updated := *e
	updated.ChatHistory = history.Clone()
	c.store(id, &updated)
	return true
}

// Clear 删除单个条目
func (c *VideoCache) Clear(_ context.Context, id VideoID) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	c.remove(id)
	return nil
}

// ClearAll 清空缓存
func (c *VideoCache) ClearAll(_ context.Context) error {
	if c.bounded != nil {
		c.bounded.Purge()
		return nil
	}
	c.mu.Lock()
	c.entries = make(map[VideoID]*CachedEntry)
	c.mu.Unlock()
	return nil
}

// Len 物理存储的条目数，包括已过期但未被覆盖的条目
func (c *VideoCache) Len() int {
	if c.bounded != nil {
		return c.bounded.Len()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats 指标快照
func (c *VideoCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

// KeyedMutex 按键加锁，不同键互不阻塞
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// NewKeyedMutex 创建按键互斥锁
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

// Lock 锁住 key，返回解锁函数
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
