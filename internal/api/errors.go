package api

import (
	"net/http"

	"capsule/internal/errors"

	"github.com/gin-gonic/gin"
)

// statusFor 业务错误对应的HTTP状态码
func statusFor(err error) int {
	ce, ok := errors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch ce.Code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeReentrantCall:
		return http.StatusConflict
	}

	switch ce.Type {
	case errors.ErrorTypeValidation, errors.ErrorTypeConfig:
		return http.StatusBadRequest
	case errors.ErrorTypeAuthorization:
		return http.StatusForbidden
	case errors.ErrorTypeState:
		return http.StatusConflict
	case errors.ErrorTypeValueMovement:
		return http.StatusUnprocessableEntity
	case errors.ErrorTypeBridge, errors.ErrorTypeSession, errors.ErrorTypeNetwork:
		return http.StatusBadGateway
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	ce, ok := errors.As(err)
	if !ok {
		return gin.H{"error": gin.H{"message": err.Error()}}
	}
	body := gin.H{
		"code":    ce.Code,
		"message": ce.Message,
	}
	if len(ce.Context) > 0 {
		body["context"] = ce.Context
	}
	if ce.EscrowID != nil {
		body["capsule_id"] = *ce.EscrowID
	}
	return gin.H{"error": body}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("请求处理失败")
	}
	c.AbortWithStatusJSON(status, errorBody(err))
}
