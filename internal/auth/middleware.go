package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey = "user_id"
	userKey   = "user"
)

// Verifier authenticates a request.
type Verifier interface {
	UserFromRequest(r *http.Request) (*User, error)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller on the gin context.
func Middleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userIDKey, user.ID)
		c.Set(userKey, user)
		c.Next()
	}
}

// UserID returns the id of the authenticated caller.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
