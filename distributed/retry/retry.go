package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy 命令重试策略配置
type Policy struct {
	MaxAttempts  int           // 总尝试次数（含首次），<=0 时按 1 处理
	InitialDelay time.Duration // 首次重试前的延迟
	MaxDelay     time.Duration // 单次延迟上限
	Multiplier   float64       // 指数退避倍数
	JitterRatio  float64       // 抖动比例 [0,1)，0 表示不抖动

	// RetryClassifier 判断错误是否可重试；为空时除显式 Fatal 外均可重试
	RetryClassifier func(err error) bool

	// Sleep 等待函数，测试可注入；为空时使用可被 ctx 取消的 timer
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry 重试回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 返回默认命令重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterRatio:  0.2,
	}
}

// Retryer 执行操作并按策略重试。Retryer 本身无状态，每次 Execute 拥有独立的退避计时器，
// 并发调用之间互不阻塞。
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// NewRetryer 创建重试器
func NewRetryer(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.JitterRatio < 0 {
		policy.JitterRatio = 0
	}
	if policy.JitterRatio >= 1 {
		policy.JitterRatio = 0.99
	}
	if policy.RetryClassifier == nil {
		policy.RetryClassifier = DefaultClassifier
	}
	if policy.Sleep == nil {
		policy.Sleep = sleepContext
	}
	return &Retryer{
		policy: policy,
		logger: logger.With(zap.String("component", "command_retry")),
	}
}

// Policy returns the effective policy after defaults were applied.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Execute 执行 op，返回实际尝试次数。
// 不可重试的错误立即原样返回；重试耗尽时返回 *ExhaustedError（可 errors.Is 到最后一次错误）。
func (r *Retryer) Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	b := r.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := b.NextBackOff()
			r.logger.Debug("retrying command",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			if err := r.policy.Sleep(ctx, delay); err != nil {
				return attempt - 1, fmt.Errorf("retry cancelled: %w", err)
			}
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("command succeeded after retry", zap.Int("attempts", attempt))
			}
			return attempt, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, errors.Join(lastErr, ctxErr)
		}
		if !r.policy.RetryClassifier(lastErr) {
			r.logger.Debug("error is not retryable", zap.Int("attempt", attempt), zap.Error(lastErr))
			return attempt, lastErr
		}
	}

	r.logger.Warn("command retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return r.policy.MaxAttempts, &ExhaustedError{Attempts: r.policy.MaxAttempts, Err: lastErr}
}

// newBackOff 每次调用创建独立的指数退避状态
func (r *Retryer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialDelay
	b.MaxInterval = r.policy.MaxDelay
	b.Multiplier = r.policy.Multiplier
	b.RandomizationFactor = r.policy.JitterRatio
	b.Reset()
	return b
}

// Do is a type-safe generic wrapper around Retryer.Execute.
//
// Usage:
//
//	res, attempts, err := retry.Do(ctx, r, func(ctx context.Context) (Result, error) { ... })
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var result T
	attempts, err := r.Execute(ctx, func(ctx context.Context, _ int) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, attempts, err
	}
	return result, attempts, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// 错误分类
// =============================================================================

// ExhaustedError 重试次数耗尽
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("command failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// FatalError 标记不可重试的错误
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// MarkFatal 将错误包装为不可重试错误
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal 检查错误链上是否存在 *FatalError
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// DefaultClassifier 除显式 Fatal 与 context 取消外，全部视为可重试
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
