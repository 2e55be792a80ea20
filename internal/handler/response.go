package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"saha-ai-go/internal/service"
	"saha-ai-go/pkg/log"
)

// respondError 将 service 层错误映射为 HTTP 状态码和统一的 {code, message} 响应体。
// 上游和存储错误的原因只写日志，不返回给客户端。
func respondError(c *gin.Context, op string, err error) {
	var (
		validationErr *service.ValidationError
		upstreamErr   *service.UpstreamError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(c, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, service.ErrChatNotFound):
		writeError(c, http.StatusNotFound, "Chat not found")
	case errors.As(err, &upstreamErr):
		log.Errorw(op+": completion service failed", "chatID", upstreamErr.ChatID, "error", upstreamErr.Cause)
		writeError(c, http.StatusBadGateway, "Failed to get a response from the assistant")
	default:
		log.Errorw(op+": request failed", "error", err)
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "Internal server error")
	}
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
	})
}
