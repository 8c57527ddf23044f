package middleware

import (
	"context"
	"strings"

	"blockjudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
)

// TraceContext makes sure every request carries a trace id and a request id,
// both in the gin context and in the request context used for logging.
func TraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := headerOrNew(c, traceIDHeader)
		requestID := headerOrNew(c, requestIDHeader)

		c.Set(string(contextkey.TraceID), traceID)
		c.Set(string(contextkey.RequestID), requestID)

		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Writer.Header().Set(traceIDHeader, traceID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()
	}
}

func headerOrNew(c *gin.Context, name string) string {
	if v := strings.TrimSpace(c.GetHeader(name)); v != "" {
		return v
	}
	return uuid.NewString()
}
