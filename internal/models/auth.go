package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClass discriminates access tokens from refresh tokens.
type TokenClass string

const (
	TokenClassAccess  TokenClass = "access"
	TokenClassRefresh TokenClass = "refresh"
)

// TokenClaims is the JWT payload shared by both token classes. Role is only
// populated on access tokens.
type TokenClaims struct {
	UserID string     `json:"subjectId"`
	Email  string     `json:"email"`
	Role   UserRole   `json:"role,omitempty"`
	Class  TokenClass `json:"class"`
	jwt.RegisteredClaims
}

// TokenPair is one access token and one refresh token issued together.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int64     `json:"expiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// RegisterRequest holds the payload for creating an account.
type RegisterRequest struct {
	Name      string `json:"name" validate:"required,min=2,max=100"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshTokenRequest carries the refresh token when it is not sent as a cookie.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ChangePasswordRequest payload for updating password.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8,max=72,nefield=OldPassword"`
}

// RequestMeta identifies the client behind an auth event.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// AuthResponse returns the authenticated profile with a fresh token pair.
type AuthResponse struct {
	User   UserInfo  `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// UserInfo describes a user in responses.
type UserInfo struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Role      UserRole   `json:"role"`
	Active    bool       `json:"active"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
