// Package ws serves the realtime websocket endpoint.
package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/config"
	"github.com/kasuganosora/nearchat/message"
	mw "github.com/kasuganosora/nearchat/middleware"
	"github.com/kasuganosora/nearchat/realtime"
	"go.uber.org/zap"
)

// Hub is the part of the realtime registry the websocket layer needs.
type Hub interface {
	Join(ctx context.Context, userID int64, client realtime.Client) error
	Leave(ctx context.Context, userID int64, client realtime.Client)
}

// Handler is the gin handler for GET /ws.
type Handler struct {
	auth     mw.Authenticator
	hub      Hub
	messages *message.Log
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket Handler and registers the client events.
// sec.AllowedOrigins restricts the Origin header; empty allows all.
func NewHandler(auth mw.Authenticator, hub Hub, messages *message.Log, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	h := &Handler{
		auth:     auth,
		hub:      hub,
		messages: messages,
		router:   NewRouter(logger),
		logger:   logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	h.registerEvents()
	return h
}

// ServeWS handles GET /ws?token=<jwt>. The bearer header is accepted too.
func (h *Handler) ServeWS(c *gin.Context) {
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

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn := realtime.NewConn(user.ID, ws, h.logger)

	// Every connection listens on its owner's channel from the start.
	if err := h.hub.Join(context.Background(), user.ID, conn); err != nil {
		h.logger.Error("join own channel", zap.Int64("user_id", user.ID), zap.Error(err))
		conn.SendError(0, "internal server error")
		conn.Close()
		return
	}
	h.logger.Info("ws connected",
		zap.Int64("user_id", user.ID),
		zap.Uint64("conn_id", conn.ID))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.readPump(ctx, conn)
}

// readPump blocks until the connection closes. ctx ends with the connection.
func (h *Handler) readPump(ctx context.Context, conn *realtime.Conn) {
	defer h.handleDisconnect(conn)

	conn.SetReadDeadline()
	conn.WS.SetPongHandler(func(string) error {
		conn.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := conn.WS.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", conn.UserID),
					zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline()
		h.router.Dispatch(ctx, conn, raw)
	}
}

func (h *Handler) handleDisconnect(conn *realtime.Conn) {
	h.hub.Leave(context.Background(), conn.UserID, conn)
	conn.Close()
	h.logger.Info("ws disconnected",
		zap.Int64("user_id", conn.UserID),
		zap.Uint64("conn_id", conn.ID))
}
