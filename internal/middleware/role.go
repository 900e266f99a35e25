package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"venuecore/internal/pkg/jwt"
	"venuecore/internal/pkg/response"
)

// RequireRole ensures that the authenticated staff member has one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if role == "" {
			response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Role not found in token")
			c.Abort()
			return
		}

		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		response.Error(c, http.StatusForbidden, "FORBIDDEN", "Access denied: insufficient permissions")
		c.Abort()
	}
}

// StaffOnly admits staff and managers.
func StaffOnly() gin.HandlerFunc {
	return RequireRole(jwt.RoleStaff, jwt.RoleManager)
}

// ManagerOnly middleware requires manager role
func ManagerOnly() gin.HandlerFunc {
	return RequireRole(jwt.RoleManager)
}
