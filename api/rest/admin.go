package rest

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/audit"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConnStats reports the realtime registry.
type ConnStats interface {
	Stats() (users, clients int)
	OnlineCount(ctx context.Context) int64
}

// AdminHandler handles admin-only endpoints. Routes must sit behind AdminAuth.
type AdminHandler struct {
	db     *gorm.DB
	conns  ConnStats
	audit  *audit.Service
	logger *zap.Logger
}

func NewAdminHandler(db *gorm.DB, conns ConnStats, auditSvc *audit.Service, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: db, conns: conns, audit: auditSvc, logger: logger}
}

// Metrics handles GET /api/admin/metrics.
func (h *AdminHandler) Metrics(c *gin.Context) {
	db := h.db.WithContext(c.Request.Context())
	var users, contacts, pending, messages int64
	if err := db.Model(&model.User{}).Count(&users).Error; err != nil {
		writeError(c, h.logger, err)
		return
	}
	if err := db.Model(&model.Contact{}).Where("status = ?", model.ContactAccepted).Count(&contacts).Error; err != nil {
		writeError(c, h.logger, err)
		return
	}
	if err := db.Model(&model.Contact{}).Where("status = ?", model.ContactPending).Count(&pending).Error; err != nil {
		writeError(c, h.logger, err)
		return
	}
	if err := db.Model(&model.Message{}).Count(&messages).Error; err != nil {
		writeError(c, h.logger, err)
		return
	}
	local, conns := h.conns.Stats()
	c.JSON(http.StatusOK, gin.H{
		"users":            users,
		"contacts":         contacts,
		"pending_requests": pending,
		"messages":         messages,
		"online_users":     h.conns.OnlineCount(c.Request.Context()),
		"local_users":      local,
		"connections":      conns,
	})
}

// AuditLog handles GET /api/admin/audit?user_id=&limit=.
func (h *AdminHandler) AuditLog(c *gin.Context) {
	var uid int64
	if raw := c.Query("user_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, h.logger, apperr.Validation("Invalid user_id"))
			return
		}
		uid = v
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.audit.Recent(c.Request.Context(), uid, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs, "count": len(logs)})
}

// AdminAuth checks the X-Admin-Key header. An empty key disables the admin
// routes entirely (503).
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"message": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			return
		}
		c.Next()
	}
}
