package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// TTLCache 带过期时间的 LRU 缓存, 进程内尽力而为
type TTLCache struct {
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

// NewTTLCache 创建缓存, size 为最大条目数
func NewTTLCache(size int, ttl time.Duration) (*TTLCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TTLCache{lru: c, ttl: ttl, now: time.Now}, nil
}

// Get 取值, 过期条目视为不存在并被移除
func (c *TTLCache) Get(key string) (interface{}, bool) {
	raw, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set 使用默认 TTL 写入
func (c *TTLCache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *TTLCache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.lru.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})
}

func (c *TTLCache) Delete(key string) {
	c.lru.Remove(key)
}

func (c *TTLCache) Len() int {
	return c.lru.Len()
}
