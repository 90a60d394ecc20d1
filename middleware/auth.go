package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/model"
)

const (
	UserIDKey = "user_id"
	UserKey   = "user"
)

// Authenticator resolves a session token to its user.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*model.User, error)
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Auth rejects requests without a valid bearer token and stores the
// authenticated user in the gin context.
func Auth(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Missing token"})
			return
		}
		user, err := a.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"message": apperr.PublicMessage(err)})
			return
		}
		c.Set(UserIDKey, user.ID)
		c.Set(UserKey, user)
		c.Next()
	}
}

// GetUserID returns the authenticated user id, or 0.
func GetUserID(c *gin.Context) int64 {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}

// GetUser returns the authenticated user loaded by Auth, or nil.
func GetUser(c *gin.Context) *model.User {
	if v, ok := c.Get(UserKey); ok {
		if u, ok := v.(*model.User); ok {
			return u
		}
	}
	return nil
}
