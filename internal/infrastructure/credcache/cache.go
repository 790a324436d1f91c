// Package credcache TTL 读穿缓存, 支持同步失效
package credcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader 缓存未命中时的加载函数
type Loader[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache 按 key 缓存, 过期后下一次读取重新加载.
// Invalidate 返回后, 任何读取都不会再看到失效前的值:
// 失效会提升 key 的版本号, 在失效前开始的加载结果不会写回缓存.
type Cache[V any] struct {
	mu       sync.RWMutex
	entries  map[string]*entry[V]
	versions map[string]uint64
	ttl      time.Duration
	maxSize  int
	group    singleflight.Group
	now      func() time.Time
}

// New 创建缓存
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache[V]{
		entries:  make(map[string]*entry[V], maxSize),
		versions: make(map[string]uint64),
		ttl:      ttl,
		maxSize:  maxSize,
		now:      time.Now,
	}
}

// Get 返回未过期的缓存值
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// GetOrLoad 命中直接返回, 否则合并并发加载
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load Loader[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.RLock()
	version := c.versions[key]
	c.mu.RUnlock()

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.versions[key] == version {
			c.storeLocked(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Put 写入缓存
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, v)
}

func (c *Cache[V]) storeLocked(key string, v V) {
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = &entry[V]{value: v, storedAt: c.now()}
}

// Invalidate 同步删除 key
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.versions[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// Clear 清空缓存
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		c.versions[k]++
	}
	c.entries = make(map[string]*entry[V], c.maxSize)
}

// Size 缓存条目数
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldestLocked 淘汰最早写入的条目
func (c *Cache[V]) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
