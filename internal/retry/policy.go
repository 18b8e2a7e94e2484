// Package retry 提供带退避的重试策略，供快照拉取和 WS 重连共用。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// ErrExhausted 达到最大尝试次数。
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy 退避参数。Factor<=1 且 MaxInterval<=Interval 时为固定间隔。
type Policy struct {
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = 不限
}

// Default 固定 5s，无抖动，不限次数。
func Default() Policy {
	return Policy{Interval: 5 * time.Second, Factor: 1}
}

func (p Policy) backoff() *backoff.Backoff {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	max := p.MaxInterval
	if max < interval {
		max = interval
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	return &backoff.Backoff{Min: interval, Max: max, Factor: factor, Jitter: p.Jitter}
}

// Delay 返回第 attempt 次失败（从 0 计）之后应等待的时长。
func (p Policy) Delay(attempt int) time.Duration {
	return p.backoff().ForAttempt(float64(attempt))
}

// Wait 睡眠 Delay(attempt)，ctx 取消时提前返回 ctx.Err()。
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do 反复调用 fn 直到成功、ctx 取消或次数用尽。
// onFailure 可为 nil，每次失败后（等待前）回调一次。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onFailure func(attempt int, err error)) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt+1, err)
		}
		if werr := p.Wait(ctx, attempt); werr != nil {
			return werr
		}
	}
}
