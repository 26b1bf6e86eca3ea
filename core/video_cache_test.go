package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(opts ...CacheOption) (*VideoCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]CacheOption{WithClock(clock.Now)}, opts...)
	return NewVideoCache(time.Hour, opts...), clock
}

func TestVideoCachePutGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()

	result := ProcessResult{Status: StatusSuccess, VideoID: "v1", ChunkCount: 3, Transcript: "hello"}
	if err := c.Put(ctx, "v1", result, nil); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	e, ok := c.Get(ctx, "v1")
	if !ok {
		t.Fatal("expected entry for v1")
	}
	if e.Result != result {
		t.Errorf("Result = %+v, want %+v", e.Result, result)
	}
	if e.ChatHistory == nil || len(e.ChatHistory) != 0 {
		t.Errorf("expected empty non-nil history, got %#v", e.ChatHistory)
	}

	if _, ok := c.Get(ctx, "v2"); ok {
		t.Error("v2 should be absent")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestVideoCacheExpiryOnReadWithoutPurge(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache()
	_ = c.Put(ctx, "v1", ProcessResult{Status: StatusSuccess}, nil)

	clock.Advance(time.Hour)
	if _, ok := c.Get(ctx, "v1"); !ok {
		t.Fatal("entry exactly at TTL should still be live")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get(ctx, "v1"); ok {
		t.Fatal("entry older than TTL should read as absent")
	}
	if c.Len() != 1 {
		t.Errorf("expired entry should not be purged, Len() = %d", c.Len())
	}

	if _, ok := c.AppendHistory(ctx, "v1", ChatTurn{Question: "q", Answer: "a"}); ok {
		t.Error("AppendHistory on expired entry should be a no-op")
	}
}

func TestVideoCachePutResetsInsertedAt(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache()
	_ = c.Put(ctx, "v1", ProcessResult{Status: StatusSuccess}, nil)
	clock.Advance(50 * time.Minute)
	_ = c.Put(ctx, "v1", ProcessResult{Status: StatusSuccess, ChunkCount: 9}, nil)
	clock.Advance(50 * time.Minute)

	e, ok := c.Get(ctx, "v1")
	if !ok {
		t.Fatal("overwritten entry should be live")
	}
	if e.Result.ChunkCount != 9 {
		t.Errorf("ChunkCount = %d, want 9", e.Result.ChunkCount)
	}
}

func TestVideoCacheAppendHistory(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()

	if _, ok := c.AppendHistory(ctx, "missing", ChatTurn{Question: "q"}); ok {
		t.Fatal("AppendHistory should not create entries")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}

	_ = c.Put(ctx, "v1", ProcessResult{Status: StatusSuccess}, nil)
	for i := 0; i < 3; i++ {
		h, ok := c.AppendHistory(ctx, "v1", ChatTurn{Question: fmt.Sprintf("q%d", i), Answer: fmt.Sprintf("a%d", i)})
		if !ok {
			t.Fatalf("append %d failed", i)
		}
		if len(h) != i+1 {
			t.Fatalf("history length = %d, want %d", len(h), i+1)
		}
	}

	e, _ := c.Get(ctx, "v1")
	for i, turn := range e.ChatHistory {
		if turn.Question != fmt.Sprintf("q%d", i) {
			t.Errorf("turn %d question = %q", i, turn.Question)
		}
	}

	// 返回的是副本
	e.ChatHistory[0].Question = "mutated"
	again, _ := c.Get(ctx, "v1")
	if again.ChatHistory[0].Question != "q0" {
		t.Error("Get() must return an isolated copy of the history")
	}
}

func TestVideoCacheConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	_ = c.Put(ctx, "v1", ProcessResult{Status: StatusSuccess}, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.AppendHistory(ctx, "v1", ChatTurn{Question: fmt.Sprintf("q%d", i)})
		}(i)
	}
	wg.Wait()

	e, _ := c.Get(ctx, "v1")
	if len(e.ChatHistory) != n {
		t.Errorf("lost updates: history length = %d, want %d", len(e.ChatHistory), n)
	}
}

func TestVideoCacheSetHistoryAndClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()

	if c.SetHistory(ctx, "v1", ChatHistory{{Question: "q"}}) {
		t.Error("SetHistory on absent entry should return false")
	}

	_ = c.Put(ctx, "v1", ProcessResult{Status: StatusSuccess}, nil)
	_ = c.Put(ctx, "v2", ProcessResult{Status: StatusSuccess}, nil)
	if !c.SetHistory(ctx, "v1", ChatHistory{{Question: "q", Answer: "a"}}) {
		t.Fatal("SetHistory failed")
	}
	e, _ := c.Get(ctx, "v1")
	if len(e.ChatHistory) != 1 {
		t.Errorf("history length = %d, want 1", len(e.ChatHistory))
	}

	_ = c.Clear(ctx, "v1")
	_ = c.Clear(ctx, "v1")
	if _, ok := c.Get(ctx, "v1"); ok {
		t.Error("v1 should be cleared")
	}
	if _, ok := c.Get(ctx, "v2"); !ok {
		t.Error("clearing v1 must not affect v2")
	}

	_ = c.ClearAll(ctx)
	if c.Len() != 0 {
		t.Errorf("Len() after ClearAll = %d", c.Len())
	}
}

func TestVideoCacheMaxEntries(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(WithMaxEntries(2))

	_ = c.Put(ctx, "a", ProcessResult{Status: StatusSuccess}, nil)
	_ = c.Put(ctx, "b", ProcessResult{Status: StatusSuccess}, nil)
	c.Get(ctx, "a") // a 最近被使用
	_ = c.Put(ctx, "c", ProcessResult{Status: StatusSuccess}, nil)

	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("least recently used entry b should be evicted")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Error("a should survive eviction")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")
	unlockB := k.Lock("b")
	unlockB()
	unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("expected no retained locks, got %d", len(k.locks))
	}
}
