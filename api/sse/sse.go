// Package sse streams realtime pushes to clients that cannot hold a websocket.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	mw "github.com/kasuganosora/nearchat/middleware"
	"github.com/kasuganosora/nearchat/realtime"
	"go.uber.org/zap"
)

const (
	keepaliveInterval = 30 * time.Second
	clientBuf         = 64
)

// Hub is the part of the realtime registry the stream needs.
type Hub interface {
	Join(ctx context.Context, userID int64, client realtime.Client) error
	Leave(ctx context.Context, userID int64, client realtime.Client)
}

// client buffers pushes for one open stream.
type client struct {
	userID int64
	ch     chan []byte
	logger *zap.Logger
}

func (c *client) Deliver(data []byte) {
	select {
	case c.ch <- data:
	default:
		c.logger.Warn("sse buffer full, dropping event", zap.Int64("user_id", c.userID))
	}
}

// Handler handles the SSE endpoint.
type Handler struct {
	auth      mw.Authenticator
	hub       Hub
	keepalive time.Duration
	logger    *zap.Logger
}

func NewHandler(auth mw.Authenticator, hub Hub, logger *zap.Logger) *Handler {
	return &Handler{auth: auth, hub: hub, keepalive: keepaliveInterval, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>. Each push on the caller's channel is
// written as "event: message" with the packet JSON as data.
func (h *Handler) ServeSSE(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = mw.BearerToken(c)
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Missing token"})
		return
	}
	user, err := h.auth.Validate(c.Request.Context(), token)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"message": apperr.PublicMessage(err)})
		return
	}

	cl := &client{userID: user.ID, ch: make(chan []byte, clientBuf), logger: h.logger}
	if err := h.hub.Join(c.Request.Context(), user.ID, cl); err != nil {
		h.logger.Error("sse join failed", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
		return
	}
	defer h.hub.Leave(context.Background(), user.ID, cl)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"userId\":%d}\n\n", user.ID)
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case data := <-cl.ch:
			fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", data)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
