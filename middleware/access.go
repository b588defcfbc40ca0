package middleware

import (
	"time"

	"IMCore/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderRequestID = "X-Request-Id"
	ctxRequestID    = "requestId"
)

// RequestID 透传或生成请求 id，写回响应头
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(HeaderRequestID, id)
	}
}

func RequestIDOf(c *gin.Context) string { return c.GetString(ctxRequestID) }

// AccessLog 请求结束后记一行，5xx 走 Warn。
// 内部调用 c.Next()，要直接挂在 Engine 上，不能放进 Manager
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Named("http")
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("requestId", RequestIDOf(c)),
		}
		if c.Writer.Status() >= 500 {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}
