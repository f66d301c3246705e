package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"capsule/internal/errors"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数
	InitialInterval     time.Duration `json:"initial_interval"`     // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子
	RandomizationFactor float64       `json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter"`
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         5,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         30 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
	EnableJitter:        true,
}

// NetworkRetryConfig 节点和中继请求重试配置
var NetworkRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// RetryableError 可重试错误接口，CapsuleError实现了它
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err       error
	retryable bool
}

func (r *retryableError) Error() string     { return r.err.Error() }
func (r *retryableError) IsRetryable() bool { return r.retryable }
func (r *retryableError) Unwrap() error     { return r.err }

// NewRetryableError 标记错误是否可重试
func NewRetryableError(err error, retryable bool) RetryableError {
	return &retryableError{err: err, retryable: retryable}
}

// 瞬时网络错误
var transientErrors = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
	"node not ready",
	"header not found",
}

// IsRetryableError 判断是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}

	// 业务错误按自身标记处理，合约回滚不会因为重试而成功
	if ce, ok := errors.As(err); ok {
		if ce.Cause != nil && ce.Retryable {
			return isTransient(ce.Cause) || isRetryableMarked(ce.Cause)
		}
		return ce.Retryable
	}
	if r, ok := err.(RetryableError); ok {
		return r.IsRetryable()
	}
	return isTransient(err)
}

func isRetryableMarked(err error) bool {
	r, ok := err.(RetryableError)
	return ok && r.IsRetryable()
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return false
	}
	for _, s := range transientErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute 执行重试逻辑
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	_, err := Do(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do 带返回值的重试
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := r.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return result, nil
		}

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return zero, err
		}
		if attempt >= attempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return zero, fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

// calculateDelay 指数退避加抖动
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}

	if r.config.EnableJitter {
		jitter := delay * r.config.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + r.rand.Float64()*jitter*2
		r.mu.Unlock()
		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}
	return time.Duration(delay)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}

// RetryNetworkOperation 网络操作重试
func RetryNetworkOperation(ctx context.Context, operation string, fn func() error, logger *logrus.Logger) error {
	return NewRetrier(NetworkRetryConfig, logger).Execute(ctx, operation, fn)
}
