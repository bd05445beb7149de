package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                   = 200
	ValidationError      = 400
	RecordNotFound       = 404
	InsufficientFunds    = 409
	InsufficientHoldings = 410
	ServerCommonError    = 500
	DbError              = 501 // PersistenceError：存储故障，调用方可重试
	QuoteUnavailable     = 503
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is 只比较错误码：errors.Is(err, xerr.ErrNotFound) 对任意 404 都成立
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// 哨兵错误，用于 errors.Is 判断类别
var (
	ErrValidation           = NewErrCode(ValidationError)
	ErrNotFound             = NewErrCode(RecordNotFound)
	ErrInsufficientFunds    = NewErrCode(InsufficientFunds)
	ErrInsufficientHoldings = NewErrCode(InsufficientHoldings)
	ErrQuoteUnavailable     = NewErrCode(QuoteUnavailable)
	ErrPersistence          = NewErrCode(DbError)
)

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留底层错误，方便日志里看到原始原因
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, cause: err}
}

// Code 取错误码，不是 CodeError 的一律按 500
func Code(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// Retryable 存储故障和行情不可用都属于可重试
func Retryable(err error) bool {
	switch Code(err) {
	case DbError, QuoteUnavailable:
		return true
	default:
		return false
	}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case ValidationError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case InsufficientFunds:
		return "可用资金不足"
	case InsufficientHoldings:
		return "持仓不足"
	case QuoteUnavailable:
		return "行情暂不可用"
	default:
		return "未知错误"
	}
}
