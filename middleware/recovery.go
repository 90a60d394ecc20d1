package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// clientGone reports whether a panic came from writing to a peer that hung up,
// in which case nothing can be sent back.
func clientGone(v interface{}) bool {
	err, ok := v.(error)
	return ok && (errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET))
}

// Recovery answers a panicking handler with a bare 500 carrying the trace id.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			fields := []zap.Field{
				zap.Any("panic", v),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
			}
			if clientGone(v) {
				log.Warn("client disconnected mid-response", fields...)
				c.Abort()
				return
			}
			log.Error("handler panic", append(fields, zap.ByteString("stack", debug.Stack()))...)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message": "internal server error",
				"traceId": GetTraceID(c),
			})
		}()
		c.Next()
	}
}
