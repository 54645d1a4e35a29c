package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/signalhub-api/internal/middleware"
	"github.com/noah-isme/signalhub-api/internal/models"
	"github.com/noah-isme/signalhub-api/internal/service"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
	"github.com/noah-isme/signalhub-api/pkg/response"
)

// CookieConfig controls how credentials are written as httpOnly cookies.
type CookieConfig struct {
	AccessName     string
	RefreshName    string
	AccessPath     string
	RefreshPath    string
	Domain         string
	Secure         bool
	SameSiteStrict bool
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service *service.AuthService
	tokens  *service.TokenService
	cookies CookieConfig
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc *service.AuthService, tokens *service.TokenService, cookies CookieConfig) *AuthHandler {
	if cookies.AccessName == "" {
		cookies.AccessName = "accessToken"
	}
	if cookies.RefreshName == "" {
		cookies.RefreshName = "refreshToken"
	}
	if cookies.AccessPath == "" {
		cookies.AccessPath = "/"
	}
	if cookies.RefreshPath == "" {
		cookies.RefreshPath = "/"
	}
	return &AuthHandler{service: svc, tokens: tokens, cookies: cookies}
}

// Register godoc
// @Summary Register account
// @Description Create a user account and sign it in
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RegisterRequest true "Register payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid register payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setTokenCookies(c, &res.Tokens)
	response.Created(c, res)
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate user by email and password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setTokenCookies(c, &res.Tokens)
	response.JSON(c, http.StatusOK, res, nil)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Exchange the refresh token (cookie, then body) for a new pair
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RefreshTokenRequest false "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshTokenRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}

	token := h.tokens.RefreshTokenFromRequest(c.Request, req.RefreshToken)
	pair, err := h.service.Refresh(c.Request.Context(), token, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setTokenCookies(c, pair)
	response.JSON(c, http.StatusOK, gin.H{"tokens": pair}, nil)
}

// Logout godoc
// @Summary Logout current session
// @Description Revoke the presented access token and drop the refresh token. Always succeeds.
// @Tags Authentication
// @Accept json
// @Param payload body models.RefreshTokenRequest false "Refresh token"
// @Success 204
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	var req models.RefreshTokenRequest
	_ = bindOptionalJSON(c, &req)

	accessToken := middleware.AccessToken(c)
	if accessToken == "" {
		accessToken = h.tokens.AccessTokenFromRequest(c.Request)
	}
	var userID string
	if user, ok := middleware.CurrentUser(c); ok {
		userID = user.ID
	}
	refreshToken := h.tokens.RefreshTokenFromRequest(c.Request, req.RefreshToken)

	_ = h.service.Logout(c.Request.Context(), userID, accessToken, refreshToken, requestMeta(c))

	h.clearTokenCookies(c)
	response.NoContent(c)
}

// LogoutAll godoc
// @Summary Logout every session
// @Description Invalidate every refresh token of the current user
// @Tags Authentication
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} response.Envelope
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.LogoutAll(c.Request.Context(), user.ID, middleware.AccessToken(c), requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}

	h.clearTokenCookies(c)
	response.NoContent(c)
}

// Me godoc
// @Summary Current user
// @Description Return the profile of the authenticated user
// @Tags Authentication
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	profile, err := h.service.Me(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, profile, nil)
}

// ChangePassword godoc
// @Summary Change password
// @Description Change password for current user and end all sessions
// @Tags Authentication
// @Security BearerAuth
// @Accept json
// @Param payload body models.ChangePasswordRequest true "Change password"
// @Success 204
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/password [put]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.service.ChangePassword(c.Request.Context(), user.ID, middleware.AccessToken(c), req, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}

	h.clearTokenCookies(c)
	response.NoContent(c)
}

func (h *AuthHandler) setTokenCookies(c *gin.Context, pair *models.TokenPair) {
	if pair == nil {
		return
	}
	h.writeCookie(c, h.cookies.AccessName, pair.AccessToken, h.cookies.AccessPath, maxAgeUntil(pair.AccessExpiresAt))
	h.writeCookie(c, h.cookies.RefreshName, pair.RefreshToken, h.cookies.RefreshPath, maxAgeUntil(pair.RefreshExpiresAt))
}

func (h *AuthHandler) clearTokenCookies(c *gin.Context) {
	h.writeCookie(c, h.cookies.AccessName, "", h.cookies.AccessPath, -1)
	h.writeCookie(c, h.cookies.RefreshName, "", h.cookies.RefreshPath, -1)
}

func (h *AuthHandler) writeCookie(c *gin.Context, name, value, path string, maxAge int) {
	sameSite := http.SameSiteLaxMode
	if h.cookies.SameSiteStrict {
		sameSite = http.SameSiteStrictMode
	}
	c.SetSameSite(sameSite)
	c.SetCookie(name, value, maxAge, path, h.cookies.Domain, h.cookies.Secure, true)
}

func maxAgeUntil(expiresAt time.Time) int {
	if maxAge := int(time.Until(expiresAt).Seconds()); maxAge > 0 {
		return maxAge
	}
	return 1
}

// bindOptionalJSON decodes a JSON body when one was sent.
func bindOptionalJSON(c *gin.Context, dest interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
