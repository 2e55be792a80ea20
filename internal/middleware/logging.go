package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"saha-ai-go/pkg/log"
)

// 请求体超过该长度时只记录前缀
const maxLoggedBody = 2048

// RequestLogger 是一个 Gin 中间件，为每个请求记录一条结构化访问日志。
// skipBodyPrefixes 下的路径（登录、注册等）不记录请求体。
func RequestLogger(skipBodyPrefixes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		logBody := true
		for _, prefix := range skipBodyPrefixes {
			if strings.HasPrefix(path, prefix) {
				logBody = false
				break
			}
		}

		var requestBody []byte
		if logBody && c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 读取后重新设置请求体，后续处理函数才能正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		c.Next()

		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if logBody {
			fields = append(fields, "requestBody", truncate(requestBody))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Errorw("HTTP Request Log", fields...)
		case status >= 400:
			log.Warnw("HTTP Request Log", fields...)
		default:
			log.Infow("HTTP Request Log", fields...)
		}
	}
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "...(truncated)"
	}
	return string(body)
}
