package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTemporary = errors.New("temporary")

func TestDelaySchedule(t *testing.T) {
	p := Policy{Delays: []time.Duration{20 * time.Minute, 40 * time.Minute, 60 * time.Minute, 120 * time.Minute}}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 20*time.Minute, p.Delay(1))
	assert.Equal(t, 120*time.Minute, p.Delay(4))
	assert.Equal(t, 120*time.Minute, p.Delay(9))
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errTemporary
	})
	assert.ErrorIs(t, err, errTemporary)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	p := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 2 {
			return fatal
		}
		return errTemporary
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}
	var seen []int
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errTemporary
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 5, Delays: []time.Duration{time.Hour}}
	calls := 0
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return errTemporary
	})
	assert.ErrorIs(t, err, errTemporary)
	assert.Equal(t, 1, calls)
}
