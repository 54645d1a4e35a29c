package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string) error
	ClearRefreshTokens(ctx context.Context, userID string) error
}

// UserService handles user management workflows.
type UserService struct {
	repo      userRepository
	audit     *AuditService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, audit *AuditService, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, audit: audit, validator: validate, logger: logger}
}

// List returns paginated user profiles and pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.UserInfo, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}

	profiles := make([]models.UserInfo, 0, len(users))
	for i := range users {
		profiles = append(profiles, users[i].Profile())
	}
	return profiles, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Get returns a user profile by ID.
func (s *UserService) Get(ctx context.Context, id string) (*models.UserInfo, error) {
	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	profile := user.Profile()
	return &profile, nil
}

func (s *UserService) load(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// Update modifies a user. Non-admin actors may only change their own name.
// Deactivating a user ends all of its refresh sessions.
func (s *UserService) Update(ctx context.Context, id string, req dto.UpdateUserRequest, actor dto.Actor) (*models.UserInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update payload")
	}
	if !actor.IsAdmin() && (req.Role != nil || req.Active != nil) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "requires role: admin")
	}

	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	before, _ := json.Marshal(user.Profile())

	if req.Name != nil {
		user.Name = strings.TrimSpace(*req.Name)
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	deactivated := false
	if req.Active != nil {
		deactivated = user.Active && !*req.Active
		user.Active = *req.Active
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}
	if deactivated {
		if err := s.repo.ClearRefreshTokens(ctx, user.ID); err != nil {
			s.logger.Warn("failed to clear refresh tokens of deactivated user", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	profile := user.Profile()
	entry := auditEntry(actor.ID, models.AuditActionUserUpdate, "users", user.ID, actor.Meta, "")
	entry.OldValues = before
	entry.NewValues, _ = json.Marshal(profile)
	s.audit.Record(ctx, entry)

	return &profile, nil
}

// Deactivate soft-deletes a user and drops its refresh tokens.
func (s *UserService) Deactivate(ctx context.Context, id string, actor dto.Actor) error {
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	if id == actor.ID {
		return appErrors.Clone(appErrors.ErrValidation, "cannot deactivate your own account")
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}
	s.audit.Record(ctx, auditEntry(actor.ID, models.AuditActionUserDelete, "users", id, actor.Meta, `{"active":false}`))
	return nil
}

func paginationFor(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}
