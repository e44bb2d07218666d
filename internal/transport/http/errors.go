package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/eventloop"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	domain.ErrNotLoggedIn:   "尚未登录",
	domain.ErrAliasNotFound: "别名不存在",
	eventloop.ErrStopped:    "服务正在关闭",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgRouteNotFound   = "接口不存在"
	MsgStatsFailed     = "获取统计数据失败"
	MsgAliasListFailed = "获取别名列表失败"
	MsgCodeListFailed  = "获取验证码列表失败"
	MsgLogListFailed   = "获取日志列表失败"
	MsgInternalError   = "服务器内部错误，请稍后重试"
)

// handleError 按错误类型返回响应
func handleError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotLoggedIn):
		Unauthorized(c, GetErrorMessage(err))
	case errors.Is(err, eventloop.ErrStopped):
		Error(c, http.StatusServiceUnavailable, GetErrorMessage(err))
	default:
		InternalError(c, fallback)
	}
}
