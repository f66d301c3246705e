package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback

	// 阈值设置
	thresholds map[ErrorSeverity]ThresholdConfig
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *CapsuleError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *CapsuleError)

// ThresholdConfig 阈值配置
type ThresholdConfig struct {
	MaxErrorsPerHour int           `json:"max_errors_per_hour"`
	CooldownPeriod   time.Duration `json:"cooldown_period"`
}

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: make(map[ErrorSeverity]ThresholdConfig),
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}

	eh.thresholds[SeverityLow] = ThresholdConfig{MaxErrorsPerHour: 1000, CooldownPeriod: 5 * time.Minute}
	eh.thresholds[SeverityMedium] = ThresholdConfig{MaxErrorsPerHour: 200, CooldownPeriod: 10 * time.Minute}
	eh.thresholds[SeverityHigh] = ThresholdConfig{MaxErrorsPerHour: 20, CooldownPeriod: 30 * time.Minute}
	eh.thresholds[SeverityCritical] = ThresholdConfig{MaxErrorsPerHour: 5, CooldownPeriod: time.Hour}

	return eh
}

// HandleError 处理错误，返回值始终是传入的错误
func (eh *ErrorHandler) HandleError(ctx context.Context, component string, err error) error {
	if err == nil {
		return nil
	}

	capsuleErr, ok := As(err)
	if !ok {
		// 包装普通错误
		capsuleErr = WrapError(err, ErrorTypeStorage, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}
	if capsuleErr.Component == "" && component != "" {
		capsuleErr = capsuleErr.WithComponent(component)
	}

	eh.recordError(capsuleErr)

	if eh.checkThresholds(capsuleErr) {
		eh.logger.Warnf("错误达到阈值限制: %s", capsuleErr.Error())
	}

	eh.executeCallbacks(capsuleErr)

	eh.mu.RLock()
	strategy, exists := eh.strategies[capsuleErr.Type]
	eh.mu.RUnlock()
	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}
	_ = strategy.Handle(ctx, capsuleErr)

	return err
}

// recordError 记录错误
func (eh *ErrorHandler) recordError(err *CapsuleError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats.RecordError(err)
}

// checkThresholds 检查阈值
func (eh *ErrorHandler) checkThresholds(err *CapsuleError) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	threshold, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}

	hourlyRate := eh.stats.GetErrorRate(time.Hour)
	return hourlyRate > float64(threshold.MaxErrorsPerHour)
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *CapsuleError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// Handle 按严重级别记录日志
func (ls *LoggingStrategy) Handle(ctx context.Context, err *CapsuleError) error {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	}
	if err.EscrowID != nil {
		fields["capsule_id"] = *err.EscrowID
	}
	if err.TxHash != nil {
		fields["tx_hash"] = *err.TxHash
	}
	if len(err.Context) > 0 {
		fields["context"] = err.Context
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}
	logEntry := ls.logger.WithFields(fields)

	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Message)
	case SeverityMedium:
		logEntry.Warn(err.Message)
	default:
		logEntry.Error(err.Message)
	}

	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// GetStats 获取错误统计快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByType = make(map[ErrorType]int, len(eh.stats.ErrorsByType))
	for k, v := range eh.stats.ErrorsByType {
		snapshot.ErrorsByType[k] = v
	}
	snapshot.ErrorsBySeverity = make(map[ErrorSeverity]int, len(eh.stats.ErrorsBySeverity))
	for k, v := range eh.stats.ErrorsBySeverity {
		snapshot.ErrorsBySeverity[k] = v
	}
	snapshot.ErrorsByCode = make(map[string]int, len(eh.stats.ErrorsByCode))
	for k, v := range eh.stats.ErrorsByCode {
		snapshot.ErrorsByCode[k] = v
	}
	snapshot.ErrorsByComponent = make(map[string]int, len(eh.stats.ErrorsByComponent))
	for k, v := range eh.stats.ErrorsByComponent {
		snapshot.ErrorsByComponent[k] = v
	}
	snapshot.RecentErrors = append([]*CapsuleError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// SetThreshold 设置阈值
func (eh *ErrorHandler) SetThreshold(severity ErrorSeverity, config ThresholdConfig) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.thresholds[severity] = config
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

// CompositeStrategy 组合策略，可以执行多个策略
type CompositeStrategy struct {
	strategies []ErrorStrategy
}

// NewCompositeStrategy 创建组合策略
func NewCompositeStrategy(strategies ...ErrorStrategy) *CompositeStrategy {
	return &CompositeStrategy{
		strategies: strategies,
	}
}

// Handle 依次执行所有策略
func (cs *CompositeStrategy) Handle(ctx context.Context, err *CapsuleError) error {
	var lastErr error
	for _, strategy := range cs.strategies {
		if strategyErr := strategy.Handle(ctx, err); strategyErr != nil {
			lastErr = strategyErr
		}
	}
	return lastErr
}
