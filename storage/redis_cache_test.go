package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEntryCounterRefreshesAtInterval(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	scans := 0
	c := &entryCounter{
		count: func(context.Context) (int, error) {
			scans++
			return scans * 10, nil
		},
		interval: 30 * time.Second,
		now:      func() time.Time { return now },
	}
	ctx := context.Background()

	if n := c.get(ctx); n != 10 {
		t.Errorf("first get = %d, want 10", n)
	}
	now = now.Add(10 * time.Second)
	if n := c.get(ctx); n != 10 || scans != 1 {
		t.Errorf("get within interval = %d (scans=%d), want cached 10", n, scans)
	}
	now = now.Add(30 * time.Second)
	if n := c.get(ctx); n != 20 || scans != 2 {
		t.Errorf("get after interval = %d (scans=%d), want 20", n, scans)
	}
}

func TestEntryCounterKeepsLastValueOnError(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fail := false
	scans := 0
	c := &entryCounter{
		count: func(context.Context) (int, error) {
			scans++
			if fail {
				return 0, errors.New("redis scan: connection reset")
			}
			return 7, nil
		},
		interval: time.Minute,
		now:      func() time.Time { return now },
	}
	ctx := context.Background()

	c.get(ctx)
	fail = true
	now = now.Add(2 * time.Minute)
	if n := c.get(ctx); n != 7 {
		t.Errorf("get after failed scan = %d, want last value 7", n)
	}
	// 失败后同样等待一个周期再重试
	if c.get(ctx); scans != 2 {
		t.Errorf("scans = %d, want 2", scans)
	}
}
