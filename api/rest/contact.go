package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/audit"
	"github.com/kasuganosora/nearchat/contact"
	"github.com/kasuganosora/nearchat/identity"
	mw "github.com/kasuganosora/nearchat/middleware"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
)

// OnlineChecker reports live connections.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID int64) bool
}

type contactView struct {
	model.PublicUser
	Online bool `json:"online"`
}

// ContactHandler serves /api/contacts.
type ContactHandler struct {
	graph  *contact.Graph
	ids    *identity.Service
	online OnlineChecker
	audit  audit.Recorder
	logger *zap.Logger
}

func NewContactHandler(g *contact.Graph, ids *identity.Service, online OnlineChecker, rec audit.Recorder, logger *zap.Logger) *ContactHandler {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &ContactHandler{graph: g, ids: ids, online: online, audit: rec, logger: logger}
}

func (h *ContactHandler) views(ctx context.Context, users []model.User) []contactView {
	out := make([]contactView, len(users))
	for i := range users {
		out[i] = contactView{PublicUser: users[i].Public()}
		if h.online != nil {
			out[i].Online = h.online.IsOnline(ctx, users[i].ID)
		}
	}
	return out
}

// List handles GET /api/contacts.
func (h *ContactHandler) List(c *gin.Context) {
	users, err := h.graph.ListAccepted(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.views(c.Request.Context(), users))
}

// Pending handles GET /api/contacts/pending.
func (h *ContactHandler) Pending(c *gin.Context) {
	users, err := h.graph.ListIncomingPending(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.views(c.Request.Context(), users))
}

type contactRequest struct {
	ContactID int64  `json:"contactId"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

// Request handles POST /api/contacts/request. The target is given by id or,
// failing that, by exact username or email.
func (h *ContactHandler) Request(c *gin.Context) {
	ctx := c.Request.Context()
	uid := mw.GetUserID(c)
	var req contactRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	target := req.ContactID
	if target == 0 {
		query := strings.TrimSpace(req.Username)
		if query == "" {
			query = strings.TrimSpace(req.Email)
		}
		if query == "" {
			writeError(c, h.logger, apperr.Validation("Missing contactId"))
			return
		}
		u, err := h.ids.Search(ctx, uid, query)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		if u == nil {
			writeError(c, h.logger, apperr.NotFound("User not found"))
			return
		}
		target = u.ID
	}

	err := h.graph.Request(ctx, uid, target)
	h.audit.Log(auditEntry(c, audit.ActionContactReq, uid, gin.H{"target_id": target}, err))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Contact request sent"})
}

type resolveRequest struct {
	RequesterID int64 `json:"requesterId"`
	SenderID    int64 `json:"senderId"`
}

func (r resolveRequest) id() int64 {
	if r.RequesterID != 0 {
		return r.RequesterID
	}
	return r.SenderID
}

// Accept handles POST /api/contacts/accept.
func (h *ContactHandler) Accept(c *gin.Context) {
	h.resolve(c, audit.ActionContactAccept, h.graph.Accept, "Contact request accepted")
}

// Reject handles POST /api/contacts/reject.
func (h *ContactHandler) Reject(c *gin.Context) {
	h.resolve(c, audit.ActionContactReject, h.graph.Reject, "Contact request rejected")
}

func (h *ContactHandler) resolve(c *gin.Context, action string,
	fn func(ctx context.Context, userID, requesterID int64) error, okMsg string) {
	uid := mw.GetUserID(c)
	var req resolveRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	err := fn(c.Request.Context(), uid, req.id())
	h.audit.Log(auditEntry(c, action, uid, gin.H{"requester_id": req.id()}, err))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": okMsg})
}
