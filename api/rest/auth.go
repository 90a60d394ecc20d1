package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/audit"
	"github.com/kasuganosora/nearchat/identity"
	mw "github.com/kasuganosora/nearchat/middleware"
	"go.uber.org/zap"
)

// AuthHandler serves /api/auth.
type AuthHandler struct {
	ids    *identity.Service
	audit  audit.Recorder
	logger *zap.Logger
}

func NewAuthHandler(ids *identity.Service, rec audit.Recorder, logger *zap.Logger) *AuthHandler {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &AuthHandler{ids: ids, audit: rec, logger: logger}
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	start := time.Now()
	var req identity.RegisterInput
	if !bindJSON(c, h.logger, &req) {
		return
	}
	res, err := h.ids.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	e := auditEntry(c, audit.ActionRegister, res.User.ID, gin.H{"username": res.User.Username}, nil)
	e.Duration = time.Since(start)
	h.audit.Log(e)
	c.JSON(http.StatusOK, res)
}

// CheckEmail handles GET /api/auth/register?email=.
func (h *AuthHandler) CheckEmail(c *gin.Context) {
	h.checkExists(c, "email")
}

// CheckUsername handles GET /api/auth/login?username=.
func (h *AuthHandler) CheckUsername(c *gin.Context) {
	h.checkExists(c, "username")
}

func (h *AuthHandler) checkExists(c *gin.Context, field string) {
	value := strings.TrimSpace(c.Query(field))
	if value == "" {
		writeError(c, h.logger, apperr.Validation("Missing %s parameter", field))
		return
	}
	exists, err := h.ids.CheckExists(c.Request.Context(), field, value)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	start := time.Now()
	var req loginRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	res, err := h.ids.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnauthorized {
			e := auditEntry(c, audit.ActionLoginFailed, 0, gin.H{"email": req.Email}, err)
			e.Duration = time.Since(start)
			h.audit.Log(e)
		}
		writeError(c, h.logger, err)
		return
	}
	e := auditEntry(c, audit.ActionLogin, res.User.ID, nil, nil)
	e.Duration = time.Since(start)
	h.audit.Log(e)
	c.JSON(http.StatusOK, res)
}

// Validate handles GET /api/auth/validate. Runs behind mw.Auth.
func (h *AuthHandler) Validate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": mw.GetUser(c)})
}

// Logout handles POST /api/auth/logout. Without revocation configured it
// only acknowledges.
func (h *AuthHandler) Logout(c *gin.Context) {
	token := mw.BearerToken(c)
	var uid int64
	if token != "" {
		if u, err := h.ids.Validate(c.Request.Context(), token); err == nil {
			uid = u.ID
		}
	}
	if err := h.ids.Logout(c.Request.Context(), token); err != nil {
		writeError(c, h.logger, err)
		return
	}
	if uid != 0 {
		h.audit.Log(auditEntry(c, audit.ActionLogout, uid, nil, nil))
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}
