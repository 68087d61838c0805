package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/token-portal/internal/models"
	"qms/token-portal/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const defaultSessionTTL = 8 * time.Hour

type Store struct {
	pool       *pgxpool.Pool
	location   *time.Location
	sessionTTL time.Duration
}

type Options struct {
	// Location decides where a service day starts and ends. Token numbers
	// restart at 1 for every division on each new day in this zone.
	Location   *time.Location
	SessionTTL time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	loc := options.Location
	if loc == nil {
		loc = time.Local
	}
	ttl := options.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Store{
		pool:       pool,
		location:   loc,
		sessionTTL: ttl,
	}
}

const requestIDConstraint = "tokens_request_id_key"

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const tokenColumns = `
	t.token_id, t.token_number, t.department_id, t.division_id, d.name, v.name,
	t.status, t.created_at, t.called_at, t.completed_at, COALESCE(t.request_id::text, '')`

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if input.RequestID != "" {
		existing, found, err := findTokenByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Token{}, false, err
		}
		if found {
			if err := tx.Commit(ctx); err != nil {
				return models.Token{}, false, err
			}
			return replay(existing, input)
		}
	}

	departmentName, divisionName, err := lookupDivision(ctx, tx, input.DepartmentID, input.DivisionID)
	if err != nil {
		return models.Token{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := serviceDay(createdAt, s.location)

	seq, err := nextTokenNumber(ctx, tx, input.DivisionID, day)
	if err != nil {
		return models.Token{}, false, err
	}

	token := models.Token{
		TokenNumber:    seq,
		DepartmentID:   input.DepartmentID,
		DivisionID:     input.DivisionID,
		DepartmentName: departmentName,
		DivisionName:   divisionName,
		Status:         models.StatusWaiting,
		RequestID:      input.RequestID,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (request_id, token_number, department_id, division_id, service_day, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING token_id, created_at
	`, nullIfEmpty(input.RequestID), seq, input.DepartmentID, input.DivisionID, day, models.StatusWaiting, createdAt)
	if err := row.Scan(&token.TokenID, &token.CreatedAt); err != nil {
		if !isRequestIDConflict(err) {
			return models.Token{}, false, err
		}
		// A concurrent create with the same request id committed first.
		_ = tx.Rollback(ctx)
		existing, found, lookupErr := findTokenByRequestID(ctx, s.pool, input.RequestID)
		if lookupErr != nil {
			return models.Token{}, false, lookupErr
		}
		if !found {
			return models.Token{}, false, err
		}
		return replay(existing, input)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	day := filter.Day
	if day.IsZero() {
		day = time.Now()
	}

	query := `
		SELECT ` + tokenColumns + `,
			CASE WHEN t.status = 'waiting'
				THEN ROW_NUMBER() OVER (
					PARTITION BY t.division_id, t.status = 'waiting'
					ORDER BY t.token_number ASC
				)
				ELSE 0
			END AS position_in_queue
		FROM tokens t
		JOIN departments d ON d.department_id = t.department_id
		JOIN divisions v ON v.division_id = t.division_id
		WHERE t.service_day = $1
	`
	args := []interface{}{serviceDay(day, s.location)}
	if filter.DepartmentID > 0 {
		args = append(args, filter.DepartmentID)
		query += fmt.Sprintf(" AND t.department_id = $%d", len(args))
	}
	if filter.DivisionID > 0 {
		args = append(args, filter.DivisionID)
		query += fmt.Sprintf(" AND t.division_id = $%d", len(args))
	}
	query += " ORDER BY t.department_id, t.division_id, t.token_number"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	status := models.NormalizeStatus(strings.TrimSpace(filter.Status))
	tokens := []models.Token{}
	for rows.Next() {
		var position int64
		token, err := scanToken(rows, &position)
		if err != nil {
			return nil, err
		}
		token.PositionInQueue = int(position)
		// The status filter runs after ranking so waiting positions stay
		// relative to the whole division.
		if status != "" && token.Status != status {
			continue
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) UpdateTokenStatus(ctx context.Context, input store.UpdateStatusInput) (models.Token, error) {
	target := models.NormalizeStatus(input.Status)
	if !models.IsKnownStatus(target) {
		return models.Token{}, store.ErrInvalidTransition
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	var divisionID int64
	var day time.Time
	row := tx.QueryRow(ctx, `
		SELECT status, division_id, service_day
		FROM tokens
		WHERE token_id = $1
		FOR UPDATE
	`, input.TokenID)
	if err := row.Scan(&current, &divisionID, &day); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}

	if !store.ValidTransition(current, target) {
		return models.Token{}, store.ErrInvalidTransition
	}

	if target == models.StatusServing {
		occupied, err := servingSlotTaken(ctx, tx, divisionID, day, input.TokenID)
		if err != nil {
			return models.Token{}, err
		}
		if occupied {
			return models.Token{}, store.ErrServingOccupied
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	var completedAt interface{}
	if models.IsTerminal(target) {
		completedAt = occurredAt
	}

	if _, err := tx.Exec(ctx, `
		UPDATE tokens
		SET status = $1,
			called_at = CASE WHEN $1 <> 'cancelled' THEN COALESCE(called_at, $2) ELSE called_at END,
			completed_at = COALESCE($3, completed_at)
		WHERE token_id = $4
	`, target, occurredAt, completedAt, input.TokenID); err != nil {
		return models.Token{}, err
	}

	token, err := getTokenByID(ctx, tx, input.TokenID)
	if err != nil {
		return models.Token{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, name, active
		FROM departments
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	departments := []models.Department{}
	for rows.Next() {
		var department models.Department
		if err := rows.Scan(&department.DepartmentID, &department.Name, &department.Active); err != nil {
			return nil, err
		}
		departments = append(departments, department)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return departments, nil
}

func (s *Store) ListDivisions(ctx context.Context, departmentID int64) ([]models.Division, error) {
	query := `
		SELECT division_id, department_id, name, active
		FROM divisions
	`
	args := []interface{}{}
	if departmentID > 0 {
		query += " WHERE department_id = $1"
		args = append(args, departmentID)
	}
	query += " ORDER BY name"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	divisions := []models.Division{}
	for rows.Next() {
		var division models.Division
		if err := rows.Scan(&division.DivisionID, &division.DepartmentID, &division.Name, &division.Active); err != nil {
			return nil, err
		}
		divisions = append(divisions, division)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return divisions, nil
}

func (s *Store) Login(ctx context.Context, input store.LoginInput) (store.LoginResult, error) {
	var user models.User
	var passwordHash string
	var departmentID sql.NullInt64
	var divisionID sql.NullInt64
	row := s.pool.QueryRow(ctx, `
		SELECT user_id::text, email, role, department_id, division_id, password_hash, created_at
		FROM users
		WHERE lower(email) = lower($1) AND active = TRUE
	`, input.Email)
	if err := row.Scan(&user.UserID, &user.Email, &user.Role, &departmentID, &divisionID, &passwordHash, &user.Created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.LoginResult{}, store.ErrInvalidCredentials
		}
		return store.LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(input.Password)); err != nil {
		return store.LoginResult{}, store.ErrInvalidCredentials
	}
	user.DepartmentID = nullInt64Ptr(departmentID)
	user.DivisionID = nullInt64Ptr(divisionID)

	session := models.Session{
		SessionID: uuid.NewString(),
		UserID:    user.UserID,
		Role:      user.Role,
		ExpiresAt: time.Now().UTC().Add(s.sessionTTL),
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, session.SessionID, session.UserID, session.ExpiresAt); err != nil {
		return store.LoginResult{}, err
	}

	return store.LoginResult{User: user, Session: session}, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return models.Session{}, store.ErrSessionNotFound
	}
	var session models.Session
	row := s.pool.QueryRow(ctx, `
		SELECT s.session_id::text, s.user_id::text, u.role, s.expires_at
		FROM sessions s
		JOIN users u ON u.user_id = s.user_id
		WHERE s.session_id = $1 AND s.expires_at > NOW() AND u.active = TRUE
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

// HashPassword is used by operators seeding accounts.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func lookupDivision(ctx context.Context, tx pgx.Tx, departmentID, divisionID int64) (string, string, error) {
	var departmentName string
	var departmentActive bool
	row := tx.QueryRow(ctx, `
		SELECT name, active FROM departments WHERE department_id = $1
	`, departmentID)
	if err := row.Scan(&departmentName, &departmentActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", store.ErrDepartmentNotFound
		}
		return "", "", err
	}
	if !departmentActive {
		return "", "", store.ErrDepartmentNotFound
	}

	var divisionName string
	row = tx.QueryRow(ctx, `
		SELECT name FROM divisions
		WHERE division_id = $1 AND department_id = $2 AND active = TRUE
	`, divisionID, departmentID)
	if err := row.Scan(&divisionName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", store.ErrDivisionNotFound
		}
		return "", "", err
	}
	return departmentName, divisionName, nil
}

func nextTokenNumber(ctx context.Context, tx pgx.Tx, divisionID int64, day time.Time) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (division_id, service_day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (division_id, service_day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, divisionID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func servingSlotTaken(ctx context.Context, tx pgx.Tx, divisionID int64, day time.Time, tokenID int64) (bool, error) {
	var other int64
	row := tx.QueryRow(ctx, `
		SELECT token_id FROM tokens
		WHERE division_id = $1 AND service_day = $2 AND status = 'serving' AND token_id <> $3
		LIMIT 1
		FOR UPDATE
	`, divisionID, day, tokenID)
	if err := row.Scan(&other); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// replay returns the ticket a request id already created, provided the
// retry asks for the same department and division.
func replay(existing models.Token, input store.CreateTokenInput) (models.Token, bool, error) {
	if existing.DepartmentID != input.DepartmentID || existing.DivisionID != input.DivisionID {
		return models.Token{}, false, store.ErrRequestConflict
	}
	return existing, false, nil
}

func isRequestIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == requestIDConstraint
}

func findTokenByRequestID(ctx context.Context, q querier, requestID string) (models.Token, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens t
		JOIN departments d ON d.department_id = t.department_id
		JOIN divisions v ON v.division_id = t.division_id
		WHERE t.request_id = $1
	`, requestID)
	token, err := scanToken(row, nil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func getTokenByID(ctx context.Context, tx pgx.Tx, tokenID int64) (models.Token, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens t
		JOIN departments d ON d.department_id = t.department_id
		JOIN divisions v ON v.division_id = t.division_id
		WHERE t.token_id = $1
	`, tokenID)
	token, err := scanToken(row, nil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func scanToken(row pgx.Row, position *int64) (models.Token, error) {
	var token models.Token
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	dest := []interface{}{
		&token.TokenID, &token.TokenNumber, &token.DepartmentID, &token.DivisionID,
		&token.DepartmentName, &token.DivisionName, &token.Status, &token.CreatedAt,
		&calledAtNull, &completedAtNull, &token.RequestID,
	}
	if position != nil {
		dest = append(dest, position)
	}
	if err := row.Scan(dest...); err != nil {
		return models.Token{}, err
	}
	token.CalledAt = nullTimePtr(calledAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	return token, nil
}

func serviceDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	return &value.Int64
}
