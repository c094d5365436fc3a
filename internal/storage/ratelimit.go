package storage

import (
	"sync"
	"time"
)

// WindowCounter 是进程内的固定窗口计数器，供没有 Redis 的存储实现限流。
type WindowCounter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	cleanup time.Time // 下次清理过期条目的时间
	now     func() time.Time
}

type windowEntry struct {
	count     int64
	expiresAt time.Time
}

// NewWindowCounter 创建计数器
func NewWindowCounter() *WindowCounter {
	return &WindowCounter{
		entries: make(map[string]*windowEntry),
		cleanup: time.Now().Add(5 * time.Minute),
		now:     time.Now,
	}
}

// IncrementRateLimit 增加计数，窗口过期后从 1 重新开始
func (c *WindowCounter) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// 每5分钟清理一次过期条目
	if now.After(c.cleanup) {
		for k, v := range c.entries {
			if now.After(v.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.cleanup = now.Add(5 * time.Minute)
	}

	entry, exists := c.entries[key]
	if !exists || now.After(entry.expiresAt) {
		c.entries[key] = &windowEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}
