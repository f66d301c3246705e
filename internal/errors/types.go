package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 调用参数错误，不改变状态
	ErrorTypeValidation ErrorType = iota
	// 权限错误
	ErrorTypeAuthorization
	// 状态机违规
	ErrorTypeState
	// 资金划转失败，需整体回滚
	ErrorTypeValueMovement

	// 跨链相关错误
	ErrorTypeBridge
	ErrorTypeSession

	// 系统相关错误
	ErrorTypeStorage
	ErrorTypeSerialization
	ErrorTypeConfig

	// 外部服务错误
	ErrorTypeNetwork
	ErrorTypeTimeout
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// CapsuleError 自定义错误类型
type CapsuleError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	EscrowID  *uint64                `json:"escrow_id,omitempty"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *CapsuleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *CapsuleError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，附加了上下文的副本与预定义错误相等
func (e *CapsuleError) Is(target error) bool {
	t, ok := target.(*CapsuleError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable 判断是否可重试
func (e *CapsuleError) IsRetryable() bool {
	return e.Retryable
}

func (e *CapsuleError) clone() *CapsuleError {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	c.Timestamp = time.Now()
	return &c
}

// WithContext 返回附加上下文信息的副本
func (e *CapsuleError) WithContext(key string, value interface{}) *CapsuleError {
	c := e.clone()
	if c.Context == nil {
		c.Context = make(map[string]interface{})
	}
	c.Context[key] = value
	return c
}

// WithEscrowID 返回附加胶囊编号的副本
func (e *CapsuleError) WithEscrowID(id uint64) *CapsuleError {
	c := e.clone()
	c.EscrowID = &id
	return c
}

// WithTxHash 返回附加交易哈希的副本
func (e *CapsuleError) WithTxHash(txHash string) *CapsuleError {
	c := e.clone()
	c.TxHash = &txHash
	return c
}

// WithComponent 返回附加组件名的副本
func (e *CapsuleError) WithComponent(component string) *CapsuleError {
	c := e.clone()
	c.Component = component
	return c
}

// Wrap 返回以err为原因的副本
func (e *CapsuleError) Wrap(err error) *CapsuleError {
	c := e.clone()
	c.Cause = err
	return c
}

// Withf 返回替换消息的副本
func (e *CapsuleError) Withf(format string, args ...interface{}) *CapsuleError {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

// NewCapsuleError 创建新的错误
func NewCapsuleError(errorType ErrorType, severity ErrorSeverity, code, message string) *CapsuleError {
	return &CapsuleError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType, code),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *CapsuleError {
	return &CapsuleError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType, code),
	}
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType, code string) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	case ErrorTypeStorage:
		// 数据库被占用时可以重试，数据损坏不行
		return code == "STORAGE_BUSY"
	default:
		return false
	}
}

// 错误码
const (
	CodeInvalidAmount     = "INVALID_AMOUNT"
	CodeInvalidUnlockTime = "INVALID_UNLOCK_TIME"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeInvalidRecipient  = "INVALID_RECIPIENT"
	CodeNotFound          = "NOT_FOUND"
	CodeNotOwner          = "NOT_OWNER"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeAlreadyOpened     = "ALREADY_OPENED"
	CodeTooEarly          = "TOO_EARLY"
	CodeReentrantCall     = "REENTRANT_CALL"
	CodeTransferFailed    = "TRANSFER_FAILED"
	CodeForbiddenToken    = "FORBIDDEN_TOKEN"
	CodeSdkNotInitialized = "SDK_NOT_INITIALIZED"
	CodeUnsupportedToken  = "UNSUPPORTED_TOKEN"
	CodeBridgeFailed      = "BRIDGE_FAILED"
	CodeIntentRejected    = "INTENT_REJECTED"
	CodeNotConnected      = "NOT_CONNECTED"
	CodeNetworkMismatch   = "NETWORK_MISMATCH"
	CodeInvalidCall       = "INVALID_CALL"
	CodeChainCallFailed   = "CHAIN_CALL_FAILED"
	CodeNotSubmitted      = "NOT_SUBMITTED"
	CodeBridgeUnknown     = "BRIDGE_OUTCOME_UNKNOWN"
)

// 预定义错误
var (
	// 参数错误
	ErrInvalidAmount = NewCapsuleError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidAmount,
		"金额必须大于0",
	)

	ErrInvalidUnlockTime = NewCapsuleError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidUnlockTime,
		"解锁时间必须晚于当前时间",
	)

	ErrInvalidMessage = NewCapsuleError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidMessage,
		"留言超过最大长度",
	)

	ErrInvalidRecipient = NewCapsuleError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidRecipient,
		"接收地址无效",
	)

	ErrNotFound = NewCapsuleError(
		ErrorTypeValidation,
		SeverityLow,
		CodeNotFound,
		"胶囊不存在",
	)

	// 权限错误
	ErrNotOwner = NewCapsuleError(
		ErrorTypeAuthorization,
		SeverityMedium,
		CodeNotOwner,
		"调用者不是胶囊所有者",
	)

	ErrUnauthorized = NewCapsuleError(
		ErrorTypeAuthorization,
		SeverityMedium,
		CodeUnauthorized,
		"调用者没有管理员权限",
	)

	// 状态错误
	ErrAlreadyOpened = NewCapsuleError(
		ErrorTypeState,
		SeverityLow,
		CodeAlreadyOpened,
		"胶囊已经打开",
	)

	ErrTooEarly = NewCapsuleError(
		ErrorTypeState,
		SeverityLow,
		CodeTooEarly,
		"胶囊尚未到解锁时间",
	)

	ErrReentrantCall = NewCapsuleError(
		ErrorTypeState,
		SeverityCritical,
		CodeReentrantCall,
		"检测到重入调用",
	)

	// 资金错误
	ErrTransferFailed = NewCapsuleError(
		ErrorTypeValueMovement,
		SeverityHigh,
		CodeTransferFailed,
		"代币转账失败",
	)

	ErrForbiddenToken = NewCapsuleError(
		ErrorTypeAuthorization,
		SeverityHigh,
		CodeForbiddenToken,
		"不允许提取托管代币",
	)

	// 跨链错误
	ErrSdkNotInitialized = NewCapsuleError(
		ErrorTypeSession,
		SeverityMedium,
		CodeSdkNotInitialized,
		"跨链会话未初始化",
	)

	ErrUnsupportedToken = NewCapsuleError(
		ErrorTypeBridge,
		SeverityLow,
		CodeUnsupportedToken,
		"跨链桥不支持该代币",
	)

	ErrBridgeFailed = NewCapsuleError(
		ErrorTypeBridge,
		SeverityHigh,
		CodeBridgeFailed,
		"跨链执行失败",
	)

	ErrNotSubmitted = NewCapsuleError(
		ErrorTypeNetwork,
		SeverityMedium,
		CodeNotSubmitted,
		"跨链请求未送达中继",
	)

	ErrBridgeUnknown = NewCapsuleError(
		ErrorTypeBridge,
		SeverityHigh,
		CodeBridgeUnknown,
		"跨链请求结果未知",
	)

	ErrIntentRejected = NewCapsuleError(
		ErrorTypeBridge,
		SeverityMedium,
		CodeIntentRejected,
		"跨链意图被拒绝",
	)

	ErrInvalidCall = NewCapsuleError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidCall,
		"合约调用参数无效",
	)

	// 客户端会话错误
	ErrNotConnected = NewCapsuleError(
		ErrorTypeSession,
		SeverityLow,
		CodeNotConnected,
		"钱包未连接",
	)

	ErrNetworkMismatch = NewCapsuleError(
		ErrorTypeSession,
		SeverityLow,
		CodeNetworkMismatch,
		"当前网络与预期不一致",
	)

	ErrChainCallFailed = NewCapsuleError(
		ErrorTypeNetwork,
		SeverityMedium,
		CodeChainCallFailed,
		"链上调用失败",
	)

	// 系统错误
	ErrStorageFailed = NewCapsuleError(
		ErrorTypeStorage,
		SeverityCritical,
		"STORAGE_FAILED",
		"存储操作失败",
	)

	ErrSerializationFailed = NewCapsuleError(
		ErrorTypeSerialization,
		SeverityHigh,
		"SERIALIZATION_FAILED",
		"数据序列化失败",
	)

	ErrConfigInvalid = NewCapsuleError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrKafkaProduceFailed = NewCapsuleError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)
)

// As 提取错误链中的CapsuleError
func As(err error) (*CapsuleError, bool) {
	var ce *CapsuleError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 返回错误码，非CapsuleError返回空串
func CodeOf(err error) string {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ""
}

// NeverStarted 跨链调用在发出任何链上请求之前就失败
func NeverStarted(err error) bool {
	switch CodeOf(err) {
	case CodeSdkNotInitialized, CodeUnsupportedToken, CodeIntentRejected, CodeNotConnected, CodeNetworkMismatch, CodeInvalidCall, CodeNotSubmitted:
		return true
	}
	return false
}

// RemoteRejected 跨链调用已提交且远端明确拒绝，结果未知的不算
func RemoteRejected(err error) bool {
	return CodeOf(err) == CodeBridgeFailed
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeValidation:    "Validation",
	ErrorTypeAuthorization: "Authorization",
	ErrorTypeState:         "State",
	ErrorTypeValueMovement: "ValueMovement",
	ErrorTypeBridge:        "Bridge",
	ErrorTypeSession:       "Session",
	ErrorTypeStorage:       "Storage",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeConfig:        "Config",
	ErrorTypeNetwork:       "Network",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeKafka:         "Kafka",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByCode      map[string]int        `json:"errors_by_code"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*CapsuleError       `json:"recent_errors"`
	LastError         *CapsuleError         `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByCode:      make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*CapsuleError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *CapsuleError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	es.ErrorsByCode[err.Code]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
