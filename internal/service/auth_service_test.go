package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/signalhub-api/internal/models"
	"github.com/noah-isme/signalhub-api/internal/repository"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

// memoryUserRepo keeps users in memory and applies refresh-token mutations
// under one lock, like the row lock the SQL repository takes.
type memoryUserRepo struct {
	mu        sync.Mutex
	users     map[string]*models.User
	byEmail   map[string]string
	createErr error
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: map[string]*models.User{}, byEmail: map[string]string{}}
}

func (m *memoryUserRepo) add(user *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	m.byEmail[user.Email] = user.ID
}

func (m *memoryUserRepo) tokens(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.users[id].RefreshTokens...)
}

func (m *memoryUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *m.users[id]
	return &copied, nil
}

func (m *memoryUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *user
	return &copied, nil
}

func (m *memoryUserRepo) Create(ctx context.Context, user *models.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[user.Email]; exists {
		return repository.ErrDuplicate
	}
	copied := *user
	m.users[user.ID] = &copied
	m.byEmail[user.Email] = user.ID
	return nil
}

func (m *memoryUserRepo) mutate(id string, fn func(models.RefreshTokenQueue) (models.RefreshTokenQueue, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	next, err := fn(models.RefreshTokenQueue(user.RefreshTokens))
	if err != nil {
		return err
	}
	user.RefreshTokens = pq.StringArray(next)
	return nil
}

func (m *memoryUserRepo) RecordLogin(ctx context.Context, userID, token string, limit int, at time.Time) error {
	return m.mutate(userID, func(q models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		m.users[userID].LastLogin = &at
		return q.Push(token, limit), nil
	})
}

func (m *memoryUserRepo) RotateRefreshToken(ctx context.Context, userID, oldToken, newToken string, limit int) error {
	return m.mutate(userID, func(q models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		next, found := q.Remove(oldToken)
		if !found {
			return nil, sql.ErrNoRows
		}
		return next.Push(newToken, limit), nil
	})
}

func (m *memoryUserRepo) RemoveRefreshToken(ctx context.Context, userID, token string) error {
	return m.mutate(userID, func(q models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		next, _ := q.Remove(token)
		return next, nil
	})
}

func (m *memoryUserRepo) ClearRefreshTokens(ctx context.Context, userID string) error {
	return m.mutate(userID, func(models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		return models.RefreshTokenQueue{}, nil
	})
}

func (m *memoryUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return m.mutate(id, func(models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		m.users[id].PasswordHash = passwordHash
		return models.RefreshTokenQueue{}, nil
	})
}

type memoryAuditRepo struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (m *memoryAuditRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *log)
	return nil
}

func (m *memoryAuditRepo) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type authFixture struct {
	svc      *AuthService
	repo     *memoryUserRepo
	audit    *memoryAuditRepo
	registry *fakeRegistry
	tokens   *TokenService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	repo := newMemoryUserRepo()
	auditRepo := &memoryAuditRepo{}
	registry := newFakeRegistry()
	metrics := NewMetricsService()
	tokens := NewTokenService(registry, metrics, nil, testTokenConfig())
	svc := NewAuthService(repo, tokens, NewAuditService(auditRepo, nil, nil), metrics, validator.New(), nil, AuthConfig{
		BcryptCost:        bcrypt.MinCost,
		RefreshTokenLimit: 5,
	})
	return &authFixture{svc: svc, repo: repo, audit: auditRepo, registry: registry, tokens: tokens}
}

func (f *authFixture) seedUser(t *testing.T, email, password string, active bool) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{ID: "user-" + email, Email: email, PasswordHash: string(hash), Name: "Seed", Role: models.RoleUser, Active: active}
	f.repo.add(user)
	return user
}

func TestAuthServiceLifecycleScenario(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	registered, err := f.svc.Register(ctx, models.RegisterRequest{Name: "Ann", Email: "Ann@X.com", Password: "Passw0rd!"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, registered.User.Role)
	assert.Equal(t, "ann@x.com", registered.User.Email)
	userID := registered.User.ID
	assert.Len(t, f.repo.tokens(userID), 1)

	login, err := f.svc.Login(ctx, models.LoginRequest{Email: "ann@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)
	require.NotNil(t, login.User.LastLogin)
	assert.Len(t, f.repo.tokens(userID), 2)

	_, err = f.svc.Login(ctx, models.LoginRequest{Email: "ann@x.com", Password: "wrong-password"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidCredentials))
	assert.Len(t, f.repo.tokens(userID), 2)

	oldRefresh := login.Tokens.RefreshToken
	rotated, err := f.svc.Refresh(ctx, oldRefresh, models.RequestMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, oldRefresh, rotated.RefreshToken)
	assert.NotContains(t, f.repo.tokens(userID), oldRefresh)
	assert.Contains(t, f.repo.tokens(userID), rotated.RefreshToken)

	_, err = f.svc.Refresh(ctx, oldRefresh, models.RequestMeta{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))

	require.NoError(t, f.svc.LogoutAll(ctx, userID, rotated.AccessToken, models.RequestMeta{}))
	assert.Empty(t, f.repo.tokens(userID))

	_, err = f.svc.Refresh(ctx, rotated.RefreshToken, models.RequestMeta{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))

	_, err = f.tokens.Verify(ctx, rotated.AccessToken, models.TokenClassAccess)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTokenRevoked))

	assert.Contains(t, f.audit.actions(), models.AuditActionRefreshReplay)
}

func TestAuthServiceRegisterConflict(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "ann@x.com", "Passw0rd!", true)

	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Name: "Ann", Email: "ANN@x.com ", Password: "Passw0rd!"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
}

func TestAuthServiceRegisterRaceMapsDuplicate(t *testing.T) {
	f := newAuthFixture(t)
	f.repo.createErr = repository.ErrDuplicate

	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Name: "Ann", Email: "ann@x.com", Password: "Passw0rd!"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
}

func TestAuthServiceRegisterValidation(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Name: "A", Email: "bad", Password: "short"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestAuthServiceLoginFailuresLookAlike(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "active@x.com", "Passw0rd!", true)
	f.seedUser(t, "inactive@x.com", "Passw0rd!", false)
	ctx := context.Background()

	cases := []models.LoginRequest{
		{Email: "missing@x.com", Password: "Passw0rd!"},
		{Email: "inactive@x.com", Password: "Passw0rd!"},
		{Email: "active@x.com", Password: "nope-nope"},
	}
	var messages []string
	for _, req := range cases {
		_, err := f.svc.Login(ctx, req)
		require.Error(t, err)
		appErr := appErrors.FromError(err)
		assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
		messages = append(messages, appErr.Message)
	}
	assert.Equal(t, messages[0], messages[1])
	assert.Equal(t, messages[1], messages[2])
}

func TestAuthServiceLoginFailuresSpendOneCompare(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "active@x.com", "Passw0rd!", true)
	f.seedUser(t, "inactive@x.com", "Passw0rd!", false)

	var compares int
	f.svc.compare = func(hash, password []byte) error {
		compares++
		return bcrypt.CompareHashAndPassword(hash, password)
	}

	for _, email := range []string{"missing@x.com", "inactive@x.com", "active@x.com"} {
		before := compares
		_, err := f.svc.Login(context.Background(), models.LoginRequest{Email: email, Password: "wrong-password"})
		require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidCredentials), email)
		assert.Equal(t, before+1, compares, email)
	}

	cost, err := bcrypt.Cost(f.svc.decoyHash)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
}

func TestAuthServiceRefreshCapEvictsOldest(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "cap@x.com", "Passw0rd!", true)
	ctx := context.Background()

	var issued []string
	for i := 0; i < 6; i++ {
		resp, err := f.svc.Login(ctx, models.LoginRequest{Email: "cap@x.com", Password: "Passw0rd!"})
		require.NoError(t, err)
		issued = append(issued, resp.Tokens.RefreshToken)
	}

	stored := f.repo.tokens(user.ID)
	assert.Len(t, stored, 5)
	assert.NotContains(t, stored, issued[0])
	assert.Equal(t, issued[1:], stored)

	_, err := f.svc.Refresh(ctx, issued[0], models.RequestMeta{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))
}

func TestAuthServiceRefreshRejectsAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "ann@x.com", "Passw0rd!", true)
	resp, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "ann@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), resp.Tokens.AccessToken, models.RequestMeta{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))

	_, err = f.svc.Refresh(context.Background(), "", models.RequestMeta{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))
}

func TestAuthServiceConcurrentRefreshSingleWinner(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "race@x.com", "Passw0rd!", true)
	resp, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "race@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refresh(context.Background(), resp.Tokens.RefreshToken, models.RequestMeta{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestAuthServiceLogoutRevokesAndRemoves(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "ann@x.com", "Passw0rd!", true)
	resp, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "ann@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	err = f.svc.Logout(context.Background(), "", resp.Tokens.AccessToken, resp.Tokens.RefreshToken, models.RequestMeta{})
	require.NoError(t, err)
	assert.Empty(t, f.repo.tokens(user.ID))

	_, err = f.tokens.Verify(context.Background(), resp.Tokens.AccessToken, models.TokenClassAccess)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTokenRevoked))
}

func TestAuthServiceLogoutIgnoresForeignRefreshToken(t *testing.T) {
	f := newAuthFixture(t)
	victim := f.seedUser(t, "victim@x.com", "Passw0rd!", true)
	f.seedUser(t, "caller@x.com", "Passw0rd!", true)
	victimLogin, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "victim@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	err = f.svc.Logout(context.Background(), "user-caller@x.com", "", victimLogin.Tokens.RefreshToken, models.RequestMeta{})
	require.NoError(t, err)
	assert.Len(t, f.repo.tokens(victim.ID), 1)
}

// With the revocation registry down, logout still succeeds and the access token
// may keep working until it expires.
func TestAuthServiceLogoutWithRegistryDown(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "ann@x.com", "Passw0rd!", true)
	resp, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "ann@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	f.registry.addErr = errors.New("redis down")
	f.registry.checkErr = errors.New("redis down")

	err = f.svc.Logout(context.Background(), "", resp.Tokens.AccessToken, resp.Tokens.RefreshToken, models.RequestMeta{})
	require.NoError(t, err)

	claims, err := f.tokens.Verify(context.Background(), resp.Tokens.AccessToken, models.TokenClassAccess)
	if err == nil {
		assert.Equal(t, "user-ann@x.com", claims.UserID)
	} else {
		assert.True(t, appErrors.HasCode(err, appErrors.ErrTokenRevoked))
	}
}

func TestAuthServiceLogoutOnlyRevokesIssuedAccessTokens(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "ann@x.com", "Passw0rd!", true)
	resp, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "ann@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	for _, token := range []string{strings.Repeat("x", 10001), resp.Tokens.RefreshToken, resp.Tokens.AccessToken + "tampered"} {
		require.NoError(t, f.svc.Logout(context.Background(), "", token, "", models.RequestMeta{}))
	}
	assert.Empty(t, f.registry.entries)

	require.NoError(t, f.svc.Logout(context.Background(), "", resp.Tokens.AccessToken, "", models.RequestMeta{}))
	require.Len(t, f.registry.entries, 1)
	ttl := f.registry.entries[resp.Tokens.AccessToken]
	assert.True(t, ttl > 0 && ttl <= 15*time.Minute)
}

func TestAuthServiceLogoutAllLeavesOtherUsers(t *testing.T) {
	f := newAuthFixture(t)
	ann := f.seedUser(t, "ann@x.com", "Passw0rd!", true)
	bob := f.seedUser(t, "bob@x.com", "Passw0rd!", true)
	ctx := context.Background()

	annLogin, err := f.svc.Login(ctx, models.LoginRequest{Email: "ann@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)
	bobLogin, err := f.svc.Login(ctx, models.LoginRequest{Email: "bob@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	require.NoError(t, f.svc.LogoutAll(ctx, ann.ID, annLogin.Tokens.AccessToken, models.RequestMeta{}))
	assert.Empty(t, f.repo.tokens(ann.ID))
	assert.Len(t, f.repo.tokens(bob.ID), 1)

	_, err = f.svc.Refresh(ctx, bobLogin.Tokens.RefreshToken, models.RequestMeta{})
	assert.NoError(t, err)

	err = f.svc.LogoutAll(ctx, "ghost", "", models.RequestMeta{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestAuthServiceChangePassword(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "ann@x.com", "Passw0rd!", true)
	ctx := context.Background()
	resp, err := f.svc.Login(ctx, models.LoginRequest{Email: "ann@x.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	err = f.svc.ChangePassword(ctx, user.ID, resp.Tokens.AccessToken, models.ChangePasswordRequest{OldPassword: "bad-password", NewPassword: "N3wPassword!"}, models.RequestMeta{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))

	err = f.svc.ChangePassword(ctx, user.ID, resp.Tokens.AccessToken, models.ChangePasswordRequest{OldPassword: "Passw0rd!", NewPassword: "N3wPassword!"}, models.RequestMeta{})
	require.NoError(t, err)
	assert.Empty(t, f.repo.tokens(user.ID))

	_, err = f.svc.Login(ctx, models.LoginRequest{Email: "ann@x.com", Password: "N3wPassword!"})
	assert.NoError(t, err)
	_, err = f.tokens.Verify(ctx, resp.Tokens.AccessToken, models.TokenClassAccess)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTokenRevoked))
}

func TestAuthServiceMe(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "ann@x.com", "Passw0rd!", true)

	profile, err := f.svc.Me(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, profile.Email)

	_, err = f.svc.Me(context.Background(), "missing")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}
