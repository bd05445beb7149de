package xerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeError_Is(t *testing.T) {
	err := New(InsufficientFunds, "need 1000, have 10")
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrInsufficientHoldings))

	// 多层 fmt 包装后依然能识别
	wrapped := fmt.Errorf("buy: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInsufficientFunds))
	assert.Equal(t, InsufficientFunds, Code(wrapped))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, DbError, "append trade failed")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, Wrap(nil, DbError, "noop"))
}

func TestCode_Defaults(t *testing.T) {
	assert.Equal(t, OK, Code(nil))
	assert.Equal(t, ServerCommonError, Code(errors.New("plain")))
	assert.False(t, Retryable(ErrValidation))
	assert.Equal(t, "持仓不足", MapErrMsg(InsufficientHoldings))
}
