package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

type stubUserRepo struct {
	users       map[string]*models.User
	listErr     error
	updated     *models.User
	deactivated string
	cleared     string
}

func (s *stubUserRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	if s.listErr != nil {
		return nil, 0, s.listErr
	}
	var out []models.User
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, len(out), nil
}

func (s *stubUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *user
	return &copied, nil
}

func (s *stubUserRepo) Update(ctx context.Context, user *models.User) error {
	s.updated = user
	return nil
}

func (s *stubUserRepo) Deactivate(ctx context.Context, id string) error {
	s.deactivated = id
	return nil
}

func (s *stubUserRepo) ClearRefreshTokens(ctx context.Context, userID string) error {
	s.cleared = userID
	return nil
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{users: map[string]*models.User{
		"u1": {ID: "u1", Email: "ann@x.com", Name: "Ann", Role: models.RoleUser, Active: true, RefreshTokens: pq.StringArray{"t1"}},
		"a1": {ID: "a1", Email: "root@x.com", Name: "Root", Role: models.RoleAdmin, Active: true},
	}}
}

func TestUserServiceListPagination(t *testing.T) {
	repo := newStubUserRepo()
	svc := NewUserService(repo, nil, nil, nil)

	users, pagination, err := svc.List(context.Background(), models.UserFilter{Page: 0, PageSize: 500})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)
	assert.Equal(t, 2, pagination.TotalCount)

	repo.listErr = errors.New("db down")
	_, _, err = svc.List(context.Background(), models.UserFilter{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInternal))
}

func TestUserServiceOwnerCannotChangeRole(t *testing.T) {
	repo := newStubUserRepo()
	svc := NewUserService(repo, nil, nil, nil)
	role := models.RoleAdmin

	_, err := svc.Update(context.Background(), "u1", dto.UpdateUserRequest{Role: &role}, dto.Actor{ID: "u1", Role: models.RoleUser})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))
	assert.Nil(t, repo.updated)

	name := "Annie"
	profile, err := svc.Update(context.Background(), "u1", dto.UpdateUserRequest{Name: &name}, dto.Actor{ID: "u1", Role: models.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, "Annie", profile.Name)
	assert.Equal(t, models.RoleUser, profile.Role)
}

func TestUserServiceAdminDeactivationClearsSessions(t *testing.T) {
	repo := newStubUserRepo()
	auditRepo := &memoryAuditRepo{}
	svc := NewUserService(repo, NewAuditService(auditRepo, nil, nil), nil, nil)
	inactive := false

	profile, err := svc.Update(context.Background(), "u1", dto.UpdateUserRequest{Active: &inactive}, dto.Actor{ID: "a1", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.False(t, profile.Active)
	assert.Equal(t, "u1", repo.cleared)
	assert.Equal(t, []string{models.AuditActionUserUpdate}, auditRepo.actions())
}

func TestUserServiceDeactivate(t *testing.T) {
	repo := newStubUserRepo()
	svc := NewUserService(repo, nil, nil, nil)

	err := svc.Deactivate(context.Background(), "missing", dto.Actor{ID: "a1", Role: models.RoleAdmin})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))

	err = svc.Deactivate(context.Background(), "a1", dto.Actor{ID: "a1", Role: models.RoleAdmin})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))

	require.NoError(t, svc.Deactivate(context.Background(), "u1", dto.Actor{ID: "a1", Role: models.RoleAdmin}))
	assert.Equal(t, "u1", repo.deactivated)
}
