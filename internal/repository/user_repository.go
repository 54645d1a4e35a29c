package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/signalhub-api/internal/models"
)

const userColumns = `id, email, password_hash, name, role, active, refresh_tokens, last_login, created_at, updated_at`

// UserRepository provides database access for identities and their refresh tokens.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by normalized email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, strings.ToLower(strings.TrimSpace(email))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// List returns users based on filters with total count.
func (r *UserRepository) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	baseQuery := `FROM users WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Role != nil {
		conditions = append(conditions, fmt.Sprintf("role = $%d", len(args)+1))
		args = append(args, *filter.Role)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(email) LIKE $%d OR LOWER(name) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := sanitizeSort(filter.SortBy, "created_at", "email", "created_at", "updated_at", "name", "last_login")
	sortOrder := sanitizeOrder(filter.SortOrder)
	pageSize, offset := pageWindow(filter.Page, filter.PageSize)

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", userColumns, baseQuery, sortBy, sortOrder, pageSize, offset)

	var users []models.User
	if err := r.db.SelectContext(ctx, &users, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", baseQuery)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	return users, total, nil
}

// Create inserts a new user together with its initial refresh tokens.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.RefreshTokens == nil {
		user.RefreshTokens = pq.StringArray{}
	}

	const query = `INSERT INTO users (id, email, password_hash, name, role, active, refresh_tokens, last_login, created_at, updated_at) VALUES (:id, :email, :password_hash, :name, :role, :active, :refresh_tokens, :last_login, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Update updates mutable profile fields of a user.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	const query = `UPDATE users SET name = :name, role = :role, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// Deactivate performs a soft delete and drops every outstanding refresh token.
func (r *UserRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE users SET active = FALSE, refresh_tokens = '{}', updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

// UpdatePassword stores a new hash and invalidates every refresh token.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const query = `UPDATE users SET password_hash = $2, refresh_tokens = '{}', updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, passwordHash, time.Now().UTC()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// RecordLogin pushes a freshly issued refresh token, evicting the oldest beyond
// limit, and stamps the last login time.
func (r *UserRepository) RecordLogin(ctx context.Context, userID, token string, limit int, at time.Time) error {
	return r.mutateRefreshTokens(ctx, userID, &at, func(q models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		return q.Push(token, limit), nil
	})
}

// RotateRefreshToken swaps oldToken for newToken. It returns sql.ErrNoRows when
// oldToken is not in the locked row, which is how replays of a rotated token surface.
func (r *UserRepository) RotateRefreshToken(ctx context.Context, userID, oldToken, newToken string, limit int) error {
	return r.mutateRefreshTokens(ctx, userID, nil, func(q models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		next, found := q.Remove(oldToken)
		if !found {
			return nil, sql.ErrNoRows
		}
		return next.Push(newToken, limit), nil
	})
}

// RemoveRefreshToken drops token from the user's list if present.
func (r *UserRepository) RemoveRefreshToken(ctx context.Context, userID, token string) error {
	return r.mutateRefreshTokens(ctx, userID, nil, func(q models.RefreshTokenQueue) (models.RefreshTokenQueue, error) {
		next, _ := q.Remove(token)
		return next, nil
	})
}

// ClearRefreshTokens empties the user's refresh token list.
func (r *UserRepository) ClearRefreshTokens(ctx context.Context, userID string) error {
	const query = `UPDATE users SET refresh_tokens = '{}', updated_at = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear refresh tokens: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// mutateRefreshTokens locks the user row, applies mutate to the stored list and
// writes it back in the same transaction, so concurrent rotations of one user
// serialize on the row lock.
func (r *UserRepository) mutateRefreshTokens(ctx context.Context, userID string, loginAt *time.Time, mutate func(models.RefreshTokenQueue) (models.RefreshTokenQueue, error)) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh token tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current pq.StringArray
	if err := tx.GetContext(ctx, &current, `SELECT refresh_tokens FROM users WHERE id = $1 FOR UPDATE`, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("lock refresh tokens: %w", err)
	}

	next, err := mutate(models.RefreshTokenQueue(current))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if loginAt != nil {
		_, err = tx.ExecContext(ctx, `UPDATE users SET refresh_tokens = $2, last_login = $3, updated_at = $4 WHERE id = $1`, userID, pq.StringArray(next), loginAt.UTC(), now)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE users SET refresh_tokens = $2, updated_at = $3 WHERE id = $1`, userID, pq.StringArray(next), now)
	}
	if err != nil {
		return fmt.Errorf("write refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh tokens: %w", err)
	}
	return nil
}
