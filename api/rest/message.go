package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/message"
	mw "github.com/kasuganosora/nearchat/middleware"
	"go.uber.org/zap"
)

// MessageHandler serves /api/messages.
type MessageHandler struct {
	log    *message.Log
	logger *zap.Logger
}

func NewMessageHandler(l *message.Log, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{log: l, logger: logger}
}

// History handles GET /api/messages/:userId.
func (h *MessageHandler) History(c *gin.Context) {
	peer, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || peer <= 0 {
		writeError(c, h.logger, apperr.Validation("Invalid user id"))
		return
	}
	msgs, err := h.log.History(c.Request.Context(), mw.GetUserID(c), peer)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Send handles POST /api/messages. The sender is always the caller.
func (h *MessageHandler) Send(c *gin.Context) {
	var in message.AppendInput
	if !bindJSON(c, h.logger, &in) {
		return
	}
	msg, err := h.log.Append(c.Request.Context(), mw.GetUserID(c), in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
