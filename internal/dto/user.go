package dto

import "github.com/noah-isme/signalhub-api/internal/models"

// UpdateUserRequest carries optional changes to a user. Role and Active are
// only honoured for admin callers.
type UpdateUserRequest struct {
	Name   *string          `json:"name" validate:"omitempty,min=2,max=100"`
	Role   *models.UserRole `json:"role" validate:"omitempty,oneof=user admin"`
	Active *bool            `json:"active"`
}

// Actor identifies the authenticated caller of an administrative operation.
type Actor struct {
	ID   string
	Role models.UserRole
	Meta models.RequestMeta
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}
