package models

import (
	"time"

	"github.com/lib/pq"
)

// UserRole represents the closed set of roles for the RBAC system.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents an account stored in the users table.
type User struct {
	ID            string         `db:"id" json:"id"`
	Email         string         `db:"email" json:"email"`
	PasswordHash  string         `db:"password_hash" json:"-"`
	Name          string         `db:"name" json:"name"`
	Role          UserRole       `db:"role" json:"role"`
	Active        bool           `db:"active" json:"active"`
	RefreshTokens pq.StringArray `db:"refresh_tokens" json:"-"`
	LastLogin     *time.Time     `db:"last_login" json:"last_login,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// Profile returns the public view of the user, without secret or token list.
func (u *User) Profile() UserInfo {
	return UserInfo{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		Active:    u.Active,
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
