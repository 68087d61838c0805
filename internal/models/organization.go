package models

type Department struct {
	DepartmentID int64  `json:"id"`
	Name         string `json:"name"`
	Active       bool   `json:"active"`
}

type Division struct {
	DivisionID   int64  `json:"id"`
	DepartmentID int64  `json:"department_id"`
	Name         string `json:"name"`
	Active       bool   `json:"active"`
}
