package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestErrorHandler_HandleError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	handler := NewErrorHandler(logger)

	in := ErrTransferFailed.WithEscrowID(4)
	out := handler.HandleError(context.Background(), "ledger", in)

	assert.Equal(t, in, out)
	stats := handler.GetStats()
	assert.Equal(t, 1, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByComponent["ledger"])

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
		assert.Equal(t, CodeTransferFailed, entry.Data["error_code"])
		assert.Equal(t, uint64(4), entry.Data["capsule_id"])
	}
}

func TestErrorHandler_WrapsPlainErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler := NewErrorHandler(logger)

	plain := errors.New("boom")
	assert.Equal(t, plain, handler.HandleError(context.Background(), "api", plain))
	assert.Equal(t, 1, handler.GetStats().ErrorsByCode["UNKNOWN_ERROR"])
	assert.Nil(t, handler.HandleError(context.Background(), "api", nil))
}

func TestErrorHandler_Callbacks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler := NewErrorHandler(logger)

	var got []string
	handler.AddCallback(func(err *CapsuleError) {
		got = append(got, err.Code)
	})
	handler.AddCallback(func(err *CapsuleError) {
		panic("回调异常不应影响处理")
	})

	handler.HandleError(context.Background(), "ledger", ErrNotOwner)
	assert.Equal(t, []string{CodeNotOwner}, got)
}

type countingStrategy struct{ calls int }

func (c *countingStrategy) Handle(ctx context.Context, err *CapsuleError) error {
	c.calls++
	return err
}

func TestErrorHandler_CustomStrategy(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler := NewErrorHandler(logger)

	counter := &countingStrategy{}
	handler.SetStrategy(ErrorTypeBridge, NewCompositeStrategy(counter, &LoggingStrategy{logger: logger}))

	handler.HandleError(context.Background(), "bridge", ErrBridgeFailed)
	handler.HandleError(context.Background(), "ledger", ErrNotOwner)
	assert.Equal(t, 1, counter.calls)

	handler.ClearStats()
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}
