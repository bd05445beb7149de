package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailFromErr 业务错误按错误码映射 http 状态；对外只回 code + message
func FailFromErr(c *gin.Context, err error) {
	code := xerr.Code(err)
	status := httpStatusOf(code)

	msg := xerr.MapErrMsg(code)
	var ce *xerr.CodeError
	if errors.As(err, &ce) && code < http.StatusInternalServerError {
		// 4xx 文案可以透出，5xx 不透出内部原因
		msg = ce.Msg
	}

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "http rejected", fields...)
	}
	Fail(c, status, code, msg)
}

func httpStatusOf(code int) int {
	switch code {
	case xerr.ValidationError:
		return http.StatusBadRequest
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.InsufficientFunds, xerr.InsufficientHoldings:
		return http.StatusConflict
	case xerr.QuoteUnavailable, xerr.DbError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
