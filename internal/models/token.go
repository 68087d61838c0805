package models

import "time"

type Token struct {
	TokenID         int64      `json:"id"`
	TokenNumber     int        `json:"token_number"`
	DepartmentID    int64      `json:"department_id"`
	DivisionID      int64      `json:"division_id"`
	DepartmentName  string     `json:"department_name,omitempty"`
	DivisionName    string     `json:"division_name,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	PositionInQueue int        `json:"position_in_queue"`
	RequestID       string     `json:"request_id,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"

	// StatusActive is an older spelling of StatusWaiting still sent by some screens.
	StatusActive = "active"
)

// NormalizeStatus folds synonyms into the canonical status names.
func NormalizeStatus(status string) string {
	if status == StatusActive {
		return StatusWaiting
	}
	return status
}

func IsKnownStatus(status string) bool {
	switch NormalizeStatus(status) {
	case StatusWaiting, StatusCalled, StatusServing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

func (t Token) IsWaiting() bool {
	return NormalizeStatus(t.Status) == StatusWaiting
}

// IsCurrent reports whether the token occupies its division's "now serving" slot.
func (t Token) IsCurrent() bool {
	return t.Status == StatusServing || t.Status == StatusCalled
}
