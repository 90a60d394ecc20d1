package rest

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/audit"
	mw "github.com/kasuganosora/nearchat/middleware"
	"github.com/kasuganosora/nearchat/upload"
	"go.uber.org/zap"
)

// multipart framing allowance on top of the file itself.
const multipartSlack = 1 << 20

// UploadHandler serves /api/upload and the public /uploads files.
type UploadHandler struct {
	uploads *upload.Service
	audit   audit.Recorder
	logger  *zap.Logger
}

func NewUploadHandler(uploads *upload.Service, rec audit.Recorder, logger *zap.Logger) *UploadHandler {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &UploadHandler{uploads: uploads, audit: rec, logger: logger}
}

// saveMultipart stores the "file" form field. On failure the response has
// already been written.
func saveMultipart(c *gin.Context, svc *upload.Service, log *zap.Logger, uid int64, kinds ...string) (*upload.Result, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, svc.MaxBytes()+multipartSlack)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(c, log, apperr.Validation("File is larger than %d bytes", svc.MaxBytes()))
			return nil, false
		}
		writeError(c, log, apperr.Validation("Missing file"))
		return nil, false
	}
	if fh.Size > svc.MaxBytes() {
		writeError(c, log, apperr.Validation("File is larger than %d bytes", svc.MaxBytes()))
		return nil, false
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, log, err)
		return nil, false
	}
	defer f.Close()

	res, err := svc.Save(c.Request.Context(), uid, fh.Filename, f, kinds...)
	if err != nil {
		writeError(c, log, err)
		return nil, false
	}
	return res, true
}

// Upload handles POST /api/upload.
func (h *UploadHandler) Upload(c *gin.Context) {
	uid := mw.GetUserID(c)
	res, ok := saveMultipart(c, h.uploads, h.logger, uid)
	if !ok {
		return
	}
	h.audit.Log(auditEntry(c, audit.ActionUpload, uid, gin.H{"name": res.Name, "type": res.Type}, nil))
	c.JSON(http.StatusOK, res)
}

// Delete handles DELETE /api/upload/:filename.
func (h *UploadHandler) Delete(c *gin.Context) {
	name := c.Param("filename")
	uid := mw.GetUserID(c)
	if err := h.uploads.Delete(c.Request.Context(), uid, name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.audit.Log(auditEntry(c, audit.ActionUploadDelete, uid, gin.H{"name": name}, nil))
	c.JSON(http.StatusOK, gin.H{"message": "File deleted", "name": name})
}

// Serve handles GET /uploads/:filename.
func (h *UploadHandler) Serve(c *gin.Context) {
	name := c.Param("filename")
	rc, err := h.uploads.Open(c.Request.Context(), name)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	c.Header("Content-Type", ctype)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.logger.Warn("serve upload", zap.String("name", name), zap.Error(err))
	}
}
