package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/signalhub-api/internal/models"
	"github.com/noah-isme/signalhub-api/internal/repository"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

// Session events reported on auth_sessions_total.
const (
	SessionEventRegister      = "register"
	SessionEventLogin         = "login"
	SessionEventLoginFailed   = "login_failed"
	SessionEventRefresh       = "refresh"
	SessionEventRefreshReplay = "refresh_replay"
	SessionEventLogout        = "logout"
	SessionEventLogoutAll     = "logout_all"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	RecordLogin(ctx context.Context, userID, token string, limit int, at time.Time) error
	RotateRefreshToken(ctx context.Context, userID, oldToken, newToken string, limit int) error
	RemoveRefreshToken(ctx context.Context, userID, token string) error
	ClearRefreshTokens(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	BcryptCost        int
	RefreshTokenLimit int
}

// AuthService runs the session lifecycle: register, login, refresh rotation and logout.
type AuthService struct {
	repo      authUserRepository
	tokens    *TokenService
	audit     *AuditService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time

	compare   func(hash, password []byte) error
	decoyOnce sync.Once
	decoyHash []byte
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, tokens *TokenService, audit *AuditService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = 12
	}
	if config.RefreshTokenLimit <= 0 {
		config.RefreshTokenLimit = models.DefaultRefreshTokenLimit
	}
	return &AuthService{
		repo:      repo,
		tokens:    tokens,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       time.Now,
		compare:   bcrypt.CompareHashAndPassword,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user with role user and signs them in.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	req.Email = normalizeEmail(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	if _, err := s.repo.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.config.BcryptCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Name:         req.Name,
		Role:         models.RoleUser,
		Active:       true,
	}

	pair, err := s.tokens.MintPair(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue tokens")
	}
	user.RefreshTokens = pq.StringArray(models.RefreshTokenQueue(nil).Push(pair.RefreshToken, s.config.RefreshTokenLimit))

	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.metrics.RecordSessionEvent(SessionEventRegister)
	s.audit.Record(ctx, auditEntry(user.ID, models.AuditActionRegister, "auth", user.ID, models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent}, `{"status":"registered"}`))

	return &models.AuthResponse{User: user.Profile(), Tokens: *pair}, nil
}

// Login authenticates a user and returns issued tokens. Unknown email, inactive
// account and wrong password all yield the same error.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}
	meta := models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent}

	user, err := s.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.compareDecoy(req.Password)
			s.rejectLogin(ctx, "", "unknown email", meta)
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		s.compareDecoy(req.Password)
		s.rejectLogin(ctx, user.ID, "inactive account", meta)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	if err := s.compare([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.rejectLogin(ctx, user.ID, "wrong password", meta)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	pair, err := s.tokens.MintPair(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue tokens")
	}

	loginAt := s.now().UTC()
	if err := s.repo.RecordLogin(ctx, user.ID, pair.RefreshToken, s.config.RefreshTokenLimit, loginAt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist session")
	}
	user.LastLogin = &loginAt

	s.metrics.RecordSessionEvent(SessionEventLogin)
	s.audit.Record(ctx, auditEntry(user.ID, models.AuditActionLogin, "auth", user.ID, meta, `{"status":"success"}`))

	return &models.AuthResponse{User: user.Profile(), Tokens: *pair}, nil
}

// compareDecoy spends one bcrypt comparison at the configured cost so that
// rejected logins for unknown or inactive accounts take as long as a wrong password.
func (s *AuthService) compareDecoy(password string) {
	s.decoyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.config.BcryptCost)
		if err != nil {
			s.logger.Warn("failed to build decoy hash, using default cost", zap.Error(err))
			hash, _ = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
		}
		s.decoyHash = hash
	})
	_ = s.compare(s.decoyHash, []byte(password))
}

func (s *AuthService) rejectLogin(ctx context.Context, userID, reason string, meta models.RequestMeta) {
	s.logger.Info("login rejected", zap.String("reason", reason), zap.String("user_id", userID), zap.String("ip", meta.IP))
	s.metrics.RecordSessionEvent(SessionEventLoginFailed)
	s.audit.Record(ctx, auditEntry(userID, models.AuditActionLoginFailed, "auth", userID, meta, `{"reason":"`+reason+`"}`))
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed: it must still be in the user's stored list when the row is locked,
// so a second use of the same token is rejected.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta models.RequestMeta) (*models.TokenPair, error) {
	if refreshToken == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token required")
	}

	claims, err := s.tokens.Verify(ctx, refreshToken, models.TokenClassRefresh)
	if err != nil {
		s.logger.Info("refresh rejected", zap.String("code", appErrors.FromError(err).Code), zap.String("ip", meta.IP))
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired refresh token")
	}

	user, err := s.repo.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired refresh token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired refresh token")
	}

	pair, err := s.tokens.MintPair(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue tokens")
	}

	if err := s.repo.RotateRefreshToken(ctx, user.ID, refreshToken, pair.RefreshToken, s.config.RefreshTokenLimit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("refresh token replay rejected", zap.String("user_id", user.ID), zap.String("ip", meta.IP))
			s.metrics.RecordSessionEvent(SessionEventRefreshReplay)
			s.audit.Record(ctx, auditEntry(user.ID, models.AuditActionRefreshReplay, "auth", user.ID, meta, `{"status":"rejected"}`))
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token is no longer valid")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}

	s.metrics.RecordSessionEvent(SessionEventRefresh)
	s.audit.Record(ctx, auditEntry(user.ID, models.AuditActionRefresh, "auth", user.ID, meta, `{"refresh":"rotated"}`))
	return pair, nil
}

// Logout revokes the presented access token and drops the refresh token from
// the owner's list. userID is the caller attached by the optional gate, if any.
// It never fails: every step is best effort.
func (s *AuthService) Logout(ctx context.Context, userID, accessToken, refreshToken string, meta models.RequestMeta) error {
	if err := s.tokens.RevokeAccess(ctx, accessToken); err != nil {
		s.logger.Debug("access token not revoked", zap.String("code", appErrors.FromError(err).Code))
	}

	owner := userID
	if refreshToken != "" {
		if claims, err := s.tokens.Verify(ctx, refreshToken, models.TokenClassRefresh); err == nil {
			if userID != "" && claims.UserID != userID {
				s.logger.Warn("logout refresh token belongs to another user", zap.String("user_id", userID))
				owner = ""
			} else {
				owner = claims.UserID
			}
		}
		if owner != "" {
			if err := s.repo.RemoveRefreshToken(ctx, owner, refreshToken); err != nil && !errors.Is(err, sql.ErrNoRows) {
				s.logger.Warn("failed to remove refresh token on logout", zap.String("user_id", owner), zap.Error(err))
			}
		}
	}

	s.metrics.RecordSessionEvent(SessionEventLogout)
	if owner != "" {
		s.audit.Record(ctx, auditEntry(owner, models.AuditActionLogout, "auth", owner, meta, `{"status":"logout"}`))
	}
	return nil
}

// LogoutAll clears every refresh token of userID and revokes the presented
// access token. Access tokens of other sessions stay valid until they expire.
func (s *AuthService) LogoutAll(ctx context.Context, userID, accessToken string, meta models.RequestMeta) error {
	if err := s.repo.ClearRefreshTokens(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear sessions")
	}

	if err := s.tokens.RevokeAccess(ctx, accessToken); err != nil {
		s.logger.Debug("access token not revoked", zap.String("code", appErrors.FromError(err).Code))
	}

	s.metrics.RecordSessionEvent(SessionEventLogoutAll)
	s.audit.Record(ctx, auditEntry(userID, models.AuditActionLogoutAll, "auth", userID, meta, `{"status":"logout_all"}`))
	return nil
}

// Me returns the profile for userID.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	profile := user.Profile()
	return &profile, nil
}

// ChangePassword re-hashes the password, ends every refresh session and revokes
// the access token used for the request.
func (s *AuthService) ChangePassword(ctx context.Context, userID, accessToken string, req models.ChangePasswordRequest, meta models.RequestMeta) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := s.compare([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return appErrors.Clone(appErrors.ErrForbidden, "old password does not match")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.config.BcryptCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.repo.UpdatePassword(ctx, userID, string(newHash)); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.tokens.RevokeAccess(ctx, accessToken); err != nil {
		s.logger.Debug("access token not revoked", zap.String("code", appErrors.FromError(err).Code))
	}

	s.audit.Record(ctx, auditEntry(userID, models.AuditActionPasswordChange, "auth", userID, meta, `{"status":"changed"}`))
	return nil
}
