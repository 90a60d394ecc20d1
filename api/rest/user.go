package rest

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/identity"
	mw "github.com/kasuganosora/nearchat/middleware"
	"github.com/kasuganosora/nearchat/presence"
	"go.uber.org/zap"
)

// UserHandler serves user lookup, proximity and settings endpoints.
type UserHandler struct {
	ids    *identity.Service
	index  *presence.Index
	logger *zap.Logger
}

func NewUserHandler(ids *identity.Service, index *presence.Index, logger *zap.Logger) *UserHandler {
	return &UserHandler{ids: ids, index: index, logger: logger}
}

// Search handles GET /api/users/search?query=. A miss answers {}.
func (h *UserHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		writeError(c, h.logger, apperr.Validation("Missing query parameter"))
		return
	}
	u, err := h.ids.Search(c.Request.Context(), mw.GetUserID(c), query)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if u == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, u.Public())
}

func floatQuery(c *gin.Context, key string, required bool) (float64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, !required
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Nearby handles GET /api/users_nearby?lat=&lon=&r=.
func (h *UserHandler) Nearby(c *gin.Context) {
	lat, ok1 := floatQuery(c, "lat", true)
	lon, ok2 := floatQuery(c, "lon", true)
	r, ok3 := floatQuery(c, "r", false)
	if !ok1 || !ok2 || !ok3 {
		writeError(c, h.logger, apperr.Validation("lat and lon must be numbers"))
		return
	}
	users, err := h.index.Nearby(c.Request.Context(), mw.GetUserID(c), lat, lon, r)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

type locationRequest struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Visible *bool    `json:"visible"`
}

// UpdateLocation handles POST /api/nearby/update_location.
func (h *UserHandler) UpdateLocation(c *gin.Context) {
	var req locationRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeError(c, h.logger, apperr.Validation("Missing lat or lon"))
		return
	}
	if err := h.index.UpdateLocation(c.Request.Context(), mw.GetUserID(c), *req.Lat, *req.Lon, req.Visible); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Location updated"})
}

// GetSettings handles GET /api/settings/:section.
func (h *UserHandler) GetSettings(c *gin.Context) {
	vals, err := h.ids.Settings(c.Request.Context(), mw.GetUserID(c), c.Param("section"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, vals)
}

// UpdateSettings handles POST /api/settings/:section.
func (h *UserHandler) UpdateSettings(c *gin.Context) {
	var req map[string]interface{}
	if !bindJSON(c, h.logger, &req) {
		return
	}
	vals, err := h.ids.UpdateSettings(c.Request.Context(), mw.GetUserID(c), c.Param("section"), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, vals)
}
