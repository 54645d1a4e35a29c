package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
	"github.com/noah-isme/signalhub-api/pkg/response"
)

// RequireRoles permits the request when the authenticated role is one of roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	return authorize("", roles)
}

// RequireRolesOrOwner additionally permits the caller whose id equals the path
// parameter param.
func RequireRolesOrOwner(param string, roles ...models.UserRole) gin.HandlerFunc {
	return authorize(param, roles)
}

func authorize(ownerParam string, roles []models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
		names = append(names, string(r))
	}
	denied := fmt.Sprintf("requires role: %s", strings.Join(names, ", "))
	if ownerParam != "" {
		denied += " or resource owner"
	}

	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "no authenticated identity on request"))
			c.Abort()
			return
		}

		if _, ok := allowed[user.Role]; ok {
			c.Next()
			return
		}
		if ownerParam != "" {
			if target := c.Param(ownerParam); target != "" && target == user.ID {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, denied))
		c.Abort()
	}
}
