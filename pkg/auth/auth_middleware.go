package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const contextKeyUser = "auth_user"

// GinMiddleware rejects requests without a valid token when auth is enabled
func (s *Service) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.Authenticate(c.Request)
		if err != nil || (s.Enabled() && user == nil) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if user != nil {
			c.Set(contextKeyUser, user)
		}
		c.Next()
	}
}

// UserFromContext returns the user set by GinMiddleware
func UserFromContext(c *gin.Context) (*User, bool) {
	v, ok := c.Get(contextKeyUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}
