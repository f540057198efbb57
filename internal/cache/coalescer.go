package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Coalescer 合并相同 key 的并发计算, 结果在短 TTL 内复用
type Coalescer struct {
	group  singleflight.Group
	recent *TTLCache
}

func NewCoalescer(recent *TTLCache) *Coalescer {
	return &Coalescer{recent: recent}
}

// Do 同一 key 同时只有一个 fn 在执行. 错误结果不缓存
func (c *Coalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if c.recent != nil {
		if v, ok := c.recent.Get(key); ok {
			return v, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// 共享的计算不随某一个调用方取消
		value, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if c.recent != nil {
			c.recent.Set(key, value)
		}
		return value, nil
	})
	return v, err
}
