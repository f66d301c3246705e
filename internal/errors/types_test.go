package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewCapsuleError(t *testing.T) {
	err := NewCapsuleError(ErrorTypeNetwork, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeNetwork, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 网络错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeStorage, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.Equal(t, ErrorTypeStorage, wrappedErr.Type)
	assert.Equal(t, "WRAPPED_ERROR", wrappedErr.Code)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
	assert.Equal(t, originalErr, wrappedErr.Unwrap())
}

func TestCapsuleError_Error(t *testing.T) {
	err := NewCapsuleError(ErrorTypeValidation, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	wrapped := err.Wrap(errors.New("原始错误"))
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrapped.Error())
}

func TestCapsuleError_IsMatchesByCode(t *testing.T) {
	err := ErrNotOwner.WithEscrowID(7).WithContext("caller", "0xabc")

	assert.True(t, errors.Is(err, ErrNotOwner))
	assert.False(t, errors.Is(err, ErrAlreadyOpened))

	// fmt包装之后仍可匹配
	outer := fmt.Errorf("打开胶囊失败: %w", err)
	assert.True(t, errors.Is(outer, ErrNotOwner))
	assert.Equal(t, CodeNotOwner, CodeOf(outer))
}

func TestCapsuleError_WithDoesNotMutateSentinel(t *testing.T) {
	derived := ErrTooEarly.WithEscrowID(3).WithContext("unlock_time", int64(100))

	assert.Nil(t, ErrTooEarly.EscrowID)
	assert.Nil(t, ErrTooEarly.Context)
	assert.Equal(t, uint64(3), *derived.EscrowID)
	assert.Equal(t, int64(100), derived.Context["unlock_time"])

	again := derived.WithContext("now", int64(99))
	assert.Len(t, derived.Context, 1)
	assert.Len(t, again.Context, 2)
}

func TestCapsuleError_WithTxHashAndComponent(t *testing.T) {
	err := ErrBridgeFailed.WithTxHash("0xdead").WithComponent("bridge")

	assert.Equal(t, "0xdead", *err.TxHash)
	assert.Equal(t, "bridge", err.Component)
	assert.Empty(t, ErrBridgeFailed.Component)
}

func TestCapsuleError_Withf(t *testing.T) {
	err := ErrBridgeFailed.Withf("跨链执行失败: %s", "insufficient liquidity")
	assert.Equal(t, "[BRIDGE_FAILED] 跨链执行失败: insufficient liquidity", err.Error())
	assert.True(t, errors.Is(err, ErrBridgeFailed))
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		code      string
		expected  bool
	}{
		{ErrorTypeNetwork, "ANY", true},
		{ErrorTypeTimeout, "ANY", true},
		{ErrorTypeKafka, "ANY", true},
		{ErrorTypeStorage, "STORAGE_BUSY", true},
		{ErrorTypeStorage, "STORAGE_FAILED", false},
		{ErrorTypeValidation, CodeInvalidAmount, false},
		{ErrorTypeValueMovement, CodeTransferFailed, false},
		{ErrorTypeBridge, CodeBridgeFailed, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.errorType, tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, determineRetryable(tt.errorType, tt.code))
		})
	}
}

func TestNeverStartedAndRemoteRejected(t *testing.T) {
	assert.True(t, NeverStarted(ErrSdkNotInitialized))
	assert.True(t, NeverStarted(ErrUnsupportedToken.WithContext("symbol", "DOGE")))
	assert.False(t, NeverStarted(ErrBridgeFailed))
	assert.False(t, NeverStarted(errors.New("plain")))

	assert.True(t, RemoteRejected(fmt.Errorf("wrap: %w", ErrBridgeFailed)))
	assert.False(t, RemoteRejected(ErrUnsupportedToken))

	assert.True(t, NeverStarted(ErrNotSubmitted.Wrap(errors.New("dial tcp: connection refused"))))
	assert.False(t, RemoteRejected(ErrNotSubmitted))
	assert.False(t, NeverStarted(ErrBridgeUnknown))
	assert.False(t, RemoteRejected(ErrBridgeUnknown))
}

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "Validation", ErrorTypeValidation.String())
	assert.Equal(t, "ValueMovement", ErrorTypeValueMovement.String())
	assert.Equal(t, "Bridge", ErrorTypeBridge.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())
}

func TestErrorSeverity_String(t *testing.T) {
	assert.Equal(t, "Low", SeverityLow.String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	stats.RecordError(ErrNotOwner.WithComponent("ledger"))
	stats.RecordError(ErrNotOwner.WithComponent("ledger"))
	stats.RecordError(ErrBridgeFailed.WithComponent("bridge"))

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByCode[CodeNotOwner])
	assert.Equal(t, 2, stats.ErrorsByType[ErrorTypeAuthorization])
	assert.Equal(t, 1, stats.ErrorsByComponent["bridge"])
	assert.Equal(t, CodeBridgeFailed, stats.LastError.Code)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()
	for i := 0; i < 150; i++ {
		stats.RecordError(ErrTooEarly.WithEscrowID(uint64(i)))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 100)
	assert.Equal(t, uint64(50), *stats.RecentErrors[0].EscrowID)
}

func TestErrorStats_GetErrorRate(t *testing.T) {
	stats := NewErrorStats()
	assert.Equal(t, float64(0), stats.GetErrorRate(0))

	for i := 0; i < 4; i++ {
		stats.RecordError(ErrTooEarly.WithEscrowID(uint64(i)))
	}
	old := ErrTooEarly.WithEscrowID(99)
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	stats.RecordError(old)

	assert.InDelta(t, 4.0, stats.GetErrorRate(time.Hour), 0.001)
}

func TestPredefinedErrors(t *testing.T) {
	predefined := []*CapsuleError{
		ErrInvalidAmount, ErrInvalidUnlockTime, ErrInvalidMessage, ErrInvalidRecipient,
		ErrNotFound, ErrNotOwner, ErrUnauthorized, ErrAlreadyOpened, ErrTooEarly,
		ErrReentrantCall, ErrTransferFailed, ErrForbiddenToken, ErrSdkNotInitialized,
		ErrUnsupportedToken, ErrBridgeFailed, ErrIntentRejected, ErrNotConnected,
		ErrNetworkMismatch, ErrNotSubmitted, ErrBridgeUnknown,
	}

	seen := make(map[string]bool)
	for _, err := range predefined {
		assert.NotEmpty(t, err.Code)
		assert.NotEmpty(t, err.Message)
		assert.False(t, seen[err.Code], "重复的错误码: %s", err.Code)
		seen[err.Code] = true
	}
}
