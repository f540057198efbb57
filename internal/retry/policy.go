package retry

import (
	"context"
	"time"
)

// Policy 可复用的重试策略: 最大次数、可重试判定、按次数索引的延迟表
type Policy struct {
	MaxAttempts int
	Retryable   func(error) bool
	Delays      []time.Duration
}

// Delay 第 attempt 次失败后的等待时间, 超出表长度时取最后一项
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 || attempt <= 0 {
		return 0
	}
	if attempt > len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[attempt-1]
}

// ShouldRetry 已经执行 attempt 次后是否还能再试
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do 执行 fn 直到成功、不可重试或达到上限. fn 收到从 1 开始的次数
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if !p.ShouldRetry(attempt, err) {
			return err
		}

		delay := p.Delay(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
