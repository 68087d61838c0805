// Package issuer turns a (department, division) selection into a printed
// ticket.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"qms/token-portal/internal/models"
	"qms/token-portal/internal/tokenapi"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type API interface {
	ListDepartments(ctx context.Context) ([]models.Department, error)
	ListDivisions(ctx context.Context, departmentID int64) ([]models.Division, error)
	CreateToken(ctx context.Context, req tokenapi.CreateTokenRequest) (tokenapi.CreatedToken, error)
}

type Kind string

const (
	KindInvalidSelection Kind = "invalid_selection"
	KindTransport        Kind = "transport"
	KindMalformed        Kind = "malformed"
	KindRejected         Kind = "rejected"
	KindPrint            Kind = "print"
)

// IssuanceError reports why Generate did not produce a usable receipt.
// For KindPrint the ticket exists and the returned Receipt is valid.
type IssuanceError struct {
	Kind Kind
	Err  error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("issue token (%s): %v", e.Kind, e.Err)
}

func (e *IssuanceError) Unwrap() error {
	return e.Err
}

var (
	ErrUnknownDepartment = errors.New("department is not in the loaded list or is inactive")
	ErrUnknownDivision   = errors.New("division is not in the loaded list, is inactive, or belongs to another department")
)

type Options struct {
	OfficeName string
	Now        func() time.Time
}

type selection struct {
	DepartmentID int64 `validate:"required,gt=0"`
	DivisionID   int64 `validate:"required,gt=0"`
}

type Issuer struct {
	api      API
	printer  Printer
	validate *validator.Validate
	office   string
	now      func() time.Time

	mu          sync.Mutex
	departments map[int64]models.Department
	divisions   map[int64]models.Division
	// unconfirmed holds the request id of the last attempt per selection
	// that died in transit; the server may have committed it.
	unconfirmed map[selection]string
}

func New(api API, printer Printer, options Options) *Issuer {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		api:         api,
		printer:     printer,
		validate:    validator.New(),
		office:      options.OfficeName,
		now:         now,
		departments: map[int64]models.Department{},
		divisions:   map[int64]models.Division{},
		unconfirmed: map[selection]string{},
	}
}

// Refresh reloads the reference lists Generate validates against.
func (i *Issuer) Refresh(ctx context.Context) error {
	departments, err := i.api.ListDepartments(ctx)
	if err != nil {
		return fmt.Errorf("load departments: %w", err)
	}
	divisions, err := i.api.ListDivisions(ctx, 0)
	if err != nil {
		return fmt.Errorf("load divisions: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.departments = make(map[int64]models.Department, len(departments))
	for _, d := range departments {
		i.departments[d.DepartmentID] = d
	}
	i.divisions = make(map[int64]models.Division, len(divisions))
	for _, d := range divisions {
		i.divisions[d.DivisionID] = d
	}
	return nil
}

func (i *Issuer) Departments() []models.Department {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]models.Department, 0, len(i.departments))
	for _, d := range i.departments {
		out = append(out, d)
	}
	return out
}

func (i *Issuer) Divisions(departmentID int64) []models.Division {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []models.Division
	for _, d := range i.divisions {
		if departmentID == 0 || d.DepartmentID == departmentID {
			out = append(out, d)
		}
	}
	return out
}

// Generate requests a new ticket and prints its receipt. It never retries.
func (i *Issuer) Generate(ctx context.Context, departmentID, divisionID int64) (Receipt, error) {
	sel := selection{DepartmentID: departmentID, DivisionID: divisionID}
	if err := i.validate.Struct(sel); err != nil {
		return Receipt{}, &IssuanceError{Kind: KindInvalidSelection, Err: err}
	}
	department, division, err := i.lookup(sel)
	if err != nil {
		return Receipt{}, &IssuanceError{Kind: KindInvalidSelection, Err: err}
	}

	requestID := i.requestIDFor(sel)
	created, err := i.api.CreateToken(ctx, tokenapi.CreateTokenRequest{
		RequestID:    requestID,
		DepartmentID: departmentID,
		DivisionID:   divisionID,
	})
	if err != nil {
		kind := classify(err)
		i.mu.Lock()
		if kind == KindTransport {
			i.unconfirmed[sel] = requestID
		} else {
			delete(i.unconfirmed, sel)
		}
		i.mu.Unlock()
		log.Printf("issue error kind=%s department_id=%d division_id=%d request_id=%s: %v", kind, departmentID, divisionID, requestID, err)
		return Receipt{}, &IssuanceError{Kind: kind, Err: err}
	}

	i.mu.Lock()
	delete(i.unconfirmed, sel)
	i.mu.Unlock()

	receipt := Receipt{
		TokenID:        created.TokenID,
		TokenNumber:    created.TokenNumber,
		DepartmentName: firstNonEmpty(created.DepartmentName, department.Name),
		DivisionName:   firstNonEmpty(created.DivisionName, division.Name),
		OfficeName:     i.office,
		IssuedAt:       i.now(),
	}
	if created.Replayed {
		log.Printf("issue replay token_id=%d token_number=%d request_id=%s", created.TokenID, created.TokenNumber, requestID)
	}

	if i.printer != nil {
		if err := i.printer.Print(ctx, receipt); err != nil {
			return receipt, &IssuanceError{Kind: KindPrint, Err: err}
		}
	}
	return receipt, nil
}

func (i *Issuer) lookup(sel selection) (models.Department, models.Division, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	department, ok := i.departments[sel.DepartmentID]
	if !ok || !department.Active {
		return models.Department{}, models.Division{}, ErrUnknownDepartment
	}
	division, ok := i.divisions[sel.DivisionID]
	if !ok || !division.Active || division.DepartmentID != sel.DepartmentID {
		return models.Department{}, models.Division{}, ErrUnknownDivision
	}
	return department, division, nil
}

func (i *Issuer) requestIDFor(sel selection) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if id, ok := i.unconfirmed[sel]; ok {
		return id
	}
	return uuid.NewString()
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, tokenapi.ErrMalformed):
		return KindMalformed
	case errors.Is(err, tokenapi.ErrTransport):
		return KindTransport
	default:
		return KindRejected
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
