package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

// DefaultRevocationTTL is used when a token's remaining lifetime cannot be read.
const DefaultRevocationTTL = 900 * time.Second

type revocationRegistry interface {
	Add(ctx context.Context, token string, ttl time.Duration) error
	Contains(ctx context.Context, token string) (bool, error)
}

// TokenConfig carries signing material and transport names for credentials.
type TokenConfig struct {
	AccessSecret      string
	RefreshSecret     string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	Issuer            string
	Audience          string
	AccessCookieName  string
	RefreshCookieName string
}

// TokenService mints and verifies access/refresh JWTs and tracks revoked access tokens.
type TokenService struct {
	registry revocationRegistry
	metrics  *MetricsService
	logger   *zap.Logger
	config   TokenConfig
	now      func() time.Time
}

// NewTokenService constructs a TokenService. registry may be nil, in which case
// revocation is disabled and tokens live until natural expiry.
func NewTokenService(registry revocationRegistry, metrics *MetricsService, logger *zap.Logger, config TokenConfig) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = 15 * time.Minute
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{registry: registry, metrics: metrics, logger: logger, config: config, now: time.Now}
}

// AccessTTL returns the configured access-token lifetime.
func (s *TokenService) AccessTTL() time.Duration {
	return s.config.AccessTTL
}

// RefreshTTL returns the configured refresh-token lifetime.
func (s *TokenService) RefreshTTL() time.Duration {
	return s.config.RefreshTTL
}

// MintAccess signs an access token carrying the user's id, email and role.
func (s *TokenService) MintAccess(user *models.User) (string, time.Time, error) {
	return s.mint(user, models.TokenClassAccess)
}

// MintRefresh signs a refresh token carrying the user's id and email.
func (s *TokenService) MintRefresh(user *models.User) (string, time.Time, error) {
	return s.mint(user, models.TokenClassRefresh)
}

// MintPair issues an access and a refresh token together.
func (s *TokenService) MintPair(user *models.User) (*models.TokenPair, error) {
	access, accessExp, err := s.MintAccess(user)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	refresh, refreshExp, err := s.MintRefresh(user)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}
	return &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.config.AccessTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) mint(user *models.User, class models.TokenClass) (string, time.Time, error) {
	issuedAt := s.now().UTC()
	ttl := s.config.AccessTTL
	if class == models.TokenClassRefresh {
		ttl = s.config.RefreshTTL
	}
	expiresAt := issuedAt.Add(ttl)

	claims := &models.TokenClaims{
		UserID: user.ID,
		Email:  user.Email,
		Class:  class,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	if class == models.TokenClassAccess {
		claims.Role = user.Role
	}

	secret, err := s.secretFor(class)
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *TokenService) secretFor(class models.TokenClass) ([]byte, error) {
	switch class {
	case models.TokenClassAccess:
		return []byte(s.config.AccessSecret), nil
	case models.TokenClassRefresh:
		return []byte(s.config.RefreshSecret), nil
	default:
		return nil, fmt.Errorf("unknown token class %q", class)
	}
}

// Verify checks, in order, the revocation registry, the signature with issuer,
// audience and expiry, and finally the token class. The returned error carries
// one of the TOKEN_* codes.
func (s *TokenService) Verify(ctx context.Context, token string, expected models.TokenClass) (*models.TokenClaims, error) {
	if s.IsRevoked(ctx, token) {
		s.metrics.RecordTokenVerification(expected, VerifyResultRevoked)
		return nil, appErrors.Clone(appErrors.ErrTokenRevoked, "")
	}

	claims := &models.TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*models.TokenClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		return s.secretFor(c.Class)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s.metrics.RecordTokenVerification(expected, VerifyResultExpired)
			return nil, appErrors.Wrap(err, appErrors.ErrTokenExpired.Code, appErrors.ErrTokenExpired.Status, appErrors.ErrTokenExpired.Message)
		}
		s.metrics.RecordTokenVerification(expected, VerifyResultInvalid)
		return nil, appErrors.Wrap(err, appErrors.ErrTokenInvalid.Code, appErrors.ErrTokenInvalid.Status, appErrors.ErrTokenInvalid.Message)
	}
	if !parsed.Valid {
		s.metrics.RecordTokenVerification(expected, VerifyResultInvalid)
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "")
	}

	if claims.Class != expected {
		s.metrics.RecordTokenVerification(expected, VerifyResultWrongClass)
		return nil, appErrors.Clone(appErrors.ErrTokenWrongClass, fmt.Sprintf("%s token required", expected))
	}
	if claims.UserID == "" {
		s.metrics.RecordTokenVerification(expected, VerifyResultInvalid)
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "token has no subject")
	}

	s.metrics.RecordTokenVerification(expected, VerifyResultOK)
	return claims, nil
}

// Revoke records token in the revocation registry for ttl. Failures are logged
// and returned for the caller to ignore; logout never depends on them.
func (s *TokenService) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return nil
	}
	if s.registry == nil {
		s.metrics.RecordRegistryError("revoke")
		s.logger.Debug("revocation registry not configured, token stays valid until expiry", zap.Duration("ttl", ttl))
		return appErrors.ErrUnavailable
	}
	if err := s.registry.Add(ctx, token, ttl); err != nil {
		s.metrics.RecordRegistryError("revoke")
		s.logger.Warn("revocation registry write failed, token stays valid until expiry",
			zap.Duration("ttl", ttl), zap.Error(err))
		return err
	}
	return nil
}

// RevokeAccess revokes token only when it verifies as a live access token, so
// registry entries always belong to a credential this service minted and expire
// with it. Tokens that are already revoked or expired need no entry.
func (s *TokenService) RevokeAccess(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.Verify(ctx, token, models.TokenClassAccess); err != nil {
		if appErrors.HasCode(err, appErrors.ErrTokenRevoked) || appErrors.HasCode(err, appErrors.ErrTokenExpired) {
			return nil
		}
		return err
	}
	return s.Revoke(ctx, token, s.RemainingLifetime(token))
}

// IsRevoked reports whether token is in the revocation registry. Registry
// errors count as not revoked so an unavailable cache cannot lock users out;
// the exposure is bounded by the access-token lifetime.
func (s *TokenService) IsRevoked(ctx context.Context, token string) bool {
	if s.registry == nil {
		return false
	}
	revoked, err := s.registry.Contains(ctx, token)
	if err != nil {
		s.metrics.RecordRegistryError("check")
		s.logger.Warn("revocation registry read failed, treating token as not revoked", zap.Error(err))
		return false
	}
	return revoked
}

// RemainingLifetime decodes token without verifying it and returns the time left
// until expiry, floored at zero. DefaultRevocationTTL is returned when the
// expiry cannot be read.
func (s *TokenService) RemainingLifetime(token string) time.Duration {
	claims := &models.TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return DefaultRevocationTTL
	}
	remaining := claims.ExpiresAt.Time.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AccessTokenFromRequest prefers the Authorization bearer header and falls back
// to the access cookie.
func (s *TokenService) AccessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	return s.cookieValue(r, s.config.AccessCookieName)
}

// RefreshTokenFromRequest prefers the refresh cookie and falls back to the
// refreshToken body field already decoded by the caller.
func (s *TokenService) RefreshTokenFromRequest(r *http.Request, bodyToken string) string {
	if token := s.cookieValue(r, s.config.RefreshCookieName); token != "" {
		return token
	}
	return strings.TrimSpace(bodyToken)
}

func (s *TokenService) cookieValue(r *http.Request, name string) string {
	if r == nil || name == "" {
		return ""
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
