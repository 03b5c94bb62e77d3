package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/liveroom/internal/auth"
	"github.com/aura-webinar/liveroom/pkg/response"
)

// RequireRole allows only the given roles. Admins always pass. Call after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := map[string]struct{}{auth.RoleAdmin: {}}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role := UserRole(c)
		if role == "" {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "requires role: "+strings.Join(roles, ", "))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireTeacher allows teachers and admins, the roles that run rooms.
func RequireTeacher() gin.HandlerFunc {
	return RequireRole(auth.RoleTeacher)
}
