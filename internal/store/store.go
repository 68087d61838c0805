package store

import (
	"context"
	"time"

	"qms/token-portal/internal/models"
)

type CreateTokenInput struct {
	RequestID    string
	DepartmentID int64
	DivisionID   int64
	CreatedAt    time.Time
}

type UpdateStatusInput struct {
	TokenID    int64
	Status     string
	OccurredAt time.Time
}

type TokenFilter struct {
	DepartmentID int64
	DivisionID   int64
	Status       string
	Day          time.Time
}

type LoginInput struct {
	Email    string
	Password string
}

type LoginResult struct {
	User    models.User
	Session models.Session
}

type TokenStore interface {
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, bool, error)
	ListTokens(ctx context.Context, filter TokenFilter) ([]models.Token, error)
	UpdateTokenStatus(ctx context.Context, input UpdateStatusInput) (models.Token, error)
	ListDepartments(ctx context.Context) ([]models.Department, error)
	ListDivisions(ctx context.Context, departmentID int64) ([]models.Division, error)
	Login(ctx context.Context, input LoginInput) (LoginResult, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
}
