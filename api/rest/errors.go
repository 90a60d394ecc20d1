// Package rest holds the gin handlers of the JSON HTTP API.
package rest

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/audit"
	mw "github.com/kasuganosora/nearchat/middleware"
	"go.uber.org/zap"
)

// writeError is the single place where errors become responses. Internal
// failures are logged and answered with a generic message.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		log.Error("request failed",
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"message": apperr.PublicMessage(err)})
}

// bindJSON decodes the body into dst, answering 400 on failure. An empty body
// decodes to the zero value.
func bindJSON(c *gin.Context, log *zap.Logger, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, log, apperr.Validation("Invalid request body"))
		return false
	}
	return true
}

// auditEntry prefills an audit entry with request data.
func auditEntry(c *gin.Context, action string, userID int64, detail interface{}, err error) audit.Entry {
	return audit.Entry{
		TraceID: mw.GetTraceID(c),
		UserID:  userID,
		Action:  action,
		Detail:  detail,
		Err:     err,
		IP:      c.ClientIP(),
	}
}
