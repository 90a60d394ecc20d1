package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/audit"
	"github.com/kasuganosora/nearchat/identity"
	mw "github.com/kasuganosora/nearchat/middleware"
	"github.com/kasuganosora/nearchat/upload"
	"go.uber.org/zap"
)

// ProfileHandler serves /api/profile.
type ProfileHandler struct {
	ids     *identity.Service
	uploads *upload.Service
	audit   audit.Recorder
	logger  *zap.Logger
}

func NewProfileHandler(ids *identity.Service, uploads *upload.Service, rec audit.Recorder, logger *zap.Logger) *ProfileHandler {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &ProfileHandler{ids: ids, uploads: uploads, audit: rec, logger: logger}
}

// Get handles GET /api/profile.
func (h *ProfileHandler) Get(c *gin.Context) {
	u, err := h.ids.GetUser(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Update handles PUT /api/profile.
func (h *ProfileHandler) Update(c *gin.Context) {
	var req identity.ProfileUpdate
	if !bindJSON(c, h.logger, &req) {
		return
	}
	uid := mw.GetUserID(c)
	if req.AvatarURL != nil {
		if err := h.checkAvatarURL(c.Request.Context(), uid, strings.TrimSpace(*req.AvatarURL)); err != nil {
			writeError(c, h.logger, err)
			return
		}
	}
	u, err := h.ids.UpdateProfile(c.Request.Context(), uid, req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// UploadAvatar handles POST /api/profile/avatar (multipart field "file").
func (h *ProfileHandler) UploadAvatar(c *gin.Context) {
	ctx := c.Request.Context()
	uid := mw.GetUserID(c)

	res, ok := saveMultipart(c, h.uploads, h.logger, uid, upload.KindImage)
	if !ok {
		return
	}
	prev, err := h.ids.SetAvatar(ctx, uid, res.URL)
	if err != nil {
		_ = h.uploads.Delete(ctx, uid, res.Name)
		writeError(c, h.logger, err)
		return
	}
	h.removeStored(c, uid, prev)
	h.audit.Log(auditEntry(c, audit.ActionAvatarSet, uid, gin.H{"name": res.Name}, nil))
	c.JSON(http.StatusOK, gin.H{"url": res.URL})
}

// DeleteAvatar handles DELETE /api/profile/avatar.
func (h *ProfileHandler) DeleteAvatar(c *gin.Context) {
	uid := mw.GetUserID(c)
	prev, err := h.ids.ClearAvatar(c.Request.Context(), uid)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.removeStored(c, uid, prev)
	h.audit.Log(auditEntry(c, audit.ActionAvatarClear, uid, nil, nil))
	c.JSON(http.StatusOK, gin.H{"message": "Avatar removed"})
}

// checkAvatarURL accepts "" (no avatar) or the url of one of uid's own
// uploads.
func (h *ProfileHandler) checkAvatarURL(ctx context.Context, uid int64, url string) error {
	if url == "" {
		return nil
	}
	name := h.uploads.NameFromURL(url)
	if name == "" {
		return apperr.Validation("Avatar must be an uploaded image")
	}
	owns, err := h.uploads.Owns(ctx, uid, name)
	if err != nil {
		return err
	}
	if !owns {
		return apperr.Forbidden("Avatar must be one of your uploads")
	}
	return nil
}

// removeStored deletes the file behind url when uid uploaded it.
func (h *ProfileHandler) removeStored(c *gin.Context, uid int64, url string) {
	name := h.uploads.NameFromURL(url)
	if name == "" {
		return
	}
	err := h.uploads.Delete(c.Request.Context(), uid, name)
	if k := apperr.KindOf(err); err != nil && k != apperr.KindNotFound && k != apperr.KindForbidden {
		h.logger.Warn("remove old avatar", zap.String("name", name), zap.Error(err))
	}
}
