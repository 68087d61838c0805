package models

import "time"

const (
	RoleAdministrator = "administrator"
	RoleStaff         = "staff"
	RoleSubjectStaff  = "subject_staff"
	RolePublic        = "public"
)

type User struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	DepartmentID *int64    `json:"department_id,omitempty"`
	DivisionID   *int64    `json:"division_id,omitempty"`
	Created      time.Time `json:"created_at"`
}

type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CanOperateTokens reports whether the role may issue tokens and move them along.
func CanOperateTokens(role string) bool {
	switch role {
	case RoleAdministrator, RoleStaff, RoleSubjectStaff:
		return true
	}
	return false
}
