package middleware

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
	"github.com/noah-isme/signalhub-api/pkg/response"
)

// Context keys populated by the authentication gate.
const (
	ContextUserKey        = "currentUser"
	ContextUserIDKey      = "user_id"
	ContextRoleKey        = "user_role"
	ContextClaimsKey      = "token_claims"
	ContextAccessTokenKey = "access_token"
)

type accessVerifier interface {
	AccessTokenFromRequest(r *http.Request) string
	Verify(ctx context.Context, token string, expected models.TokenClass) (*models.TokenClaims, error)
}

type identityFinder interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Authenticate rejects requests without a valid access token for an active user.
func Authenticate(tokens accessVerifier, users identityFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authenticate(c, tokens, users); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// OptionalAuthenticate attaches the caller's identity when the request carries a
// usable access token and otherwise continues anonymously.
func OptionalAuthenticate(tokens accessVerifier, users identityFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		_ = authenticate(c, tokens, users)
		c.Next()
	}
}

func authenticate(c *gin.Context, tokens accessVerifier, users identityFinder) error {
	token := tokens.AccessTokenFromRequest(c.Request)
	if token == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "access token required")
	}

	ctx := c.Request.Context()
	claims, err := tokens.Verify(ctx, token, models.TokenClassAccess)
	if err != nil {
		return err
	}

	user, err := users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrUnauthorized, "account not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}
	if !user.Active {
		return appErrors.Clone(appErrors.ErrUnauthorized, "account is inactive")
	}

	c.Set(ContextUserKey, user)
	c.Set(ContextUserIDKey, user.ID)
	c.Set(ContextRoleKey, user.Role)
	c.Set(ContextClaimsKey, claims)
	c.Set(ContextAccessTokenKey, token)
	return nil
}

// CurrentUser returns the identity attached by the authentication gate.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok && user != nil
}

// AccessToken returns the verified access token presented with the request.
func AccessToken(c *gin.Context) string {
	return c.GetString(ContextAccessTokenKey)
}
