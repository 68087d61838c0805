package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/token-portal/internal/models"
	"qms/token-portal/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTokenConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, divisionID := seedOrganization(t, ctx, pool)

	var wg sync.WaitGroup
	results := make(chan createResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := st.CreateToken(ctx, store.CreateTokenInput{
				RequestID:    uuid.NewString(),
				DepartmentID: departmentID,
				DivisionID:   divisionID,
			})
			results <- createResult{number: token.TokenNumber, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var numbers []int
	for result := range results {
		require.NoError(t, result.err)
		numbers = append(numbers, result.number)
	}
	sort.Ints(numbers)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, numbers)
}

func TestCreateTokenIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, divisionID := seedOrganization(t, ctx, pool)

	requestID := uuid.NewString()
	first, created, err := st.CreateToken(ctx, store.CreateTokenInput{RequestID: requestID, DepartmentID: departmentID, DivisionID: divisionID})
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := st.CreateToken(ctx, store.CreateTokenInput{RequestID: requestID, DepartmentID: departmentID, DivisionID: divisionID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TokenID, second.TokenID)
	assert.Equal(t, first.TokenNumber, second.TokenNumber)
}

func TestCreateTokenConcurrentReplay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, divisionID := seedOrganization(t, ctx, pool)
	requestID := uuid.NewString()

	type replayResult struct {
		token   models.Token
		created bool
		err     error
	}
	var wg sync.WaitGroup
	results := make(chan replayResult, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, created, err := st.CreateToken(ctx, store.CreateTokenInput{RequestID: requestID, DepartmentID: departmentID, DivisionID: divisionID})
			results <- replayResult{token: token, created: created, err: err}
		}()
	}
	wg.Wait()
	close(results)

	createdCount := 0
	ids := map[int64]bool{}
	for result := range results {
		require.NoError(t, result.err)
		if result.created {
			createdCount++
		}
		ids[result.token.TokenID] = true
	}
	assert.Equal(t, 1, createdCount)
	assert.Len(t, ids, 1)
}

func TestCreateTokenReplayChecksSelection(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, divisionID := seedOrganization(t, ctx, pool)
	otherDepartment, otherDivision := seedOrganization(t, ctx, pool)
	requestID := uuid.NewString()

	_, _, err := st.CreateToken(ctx, store.CreateTokenInput{RequestID: requestID, DepartmentID: departmentID, DivisionID: divisionID})
	require.NoError(t, err)

	_, _, err = st.CreateToken(ctx, store.CreateTokenInput{RequestID: requestID, DepartmentID: otherDepartment, DivisionID: otherDivision})
	assert.ErrorIs(t, err, store.ErrRequestConflict)
}

func TestTokenNumbersResetDaily(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, divisionID := seedOrganization(t, ctx, pool)
	yesterday := time.Now().UTC().Add(-24 * time.Hour)

	old, _, err := st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: departmentID, DivisionID: divisionID, CreatedAt: yesterday})
	require.NoError(t, err)
	_, _, err = st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: departmentID, DivisionID: divisionID, CreatedAt: yesterday})
	require.NoError(t, err)
	today, _, err := st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: departmentID, DivisionID: divisionID})
	require.NoError(t, err)

	assert.Equal(t, 1, old.TokenNumber)
	assert.Equal(t, 1, today.TokenNumber)
}

func TestCreateTokenRejectsForeignDivision(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, divisionID := seedOrganization(t, ctx, pool)
	otherDepartment, _ := seedOrganization(t, ctx, pool)

	_, _, err := st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: otherDepartment, DivisionID: divisionID})
	assert.ErrorIs(t, err, store.ErrDivisionNotFound)

	_, _, err = st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: 999999, DivisionID: divisionID})
	assert.ErrorIs(t, err, store.ErrDepartmentNotFound)
}

func TestUpdateTokenStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, divisionID := seedOrganization(t, ctx, pool)
	first, _, err := st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: departmentID, DivisionID: divisionID})
	require.NoError(t, err)
	second, _, err := st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: departmentID, DivisionID: divisionID})
	require.NoError(t, err)

	called, err := st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: first.TokenID, Status: models.StatusCalled})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, called.Status)
	assert.NotNil(t, called.CalledAt)

	_, err = st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: first.TokenID, Status: models.StatusWaiting})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: first.TokenID, Status: models.StatusServing})
	require.NoError(t, err)

	_, err = st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: second.TokenID, Status: models.StatusServing})
	assert.ErrorIs(t, err, store.ErrServingOccupied)

	done, err := st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: first.TokenID, Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: first.TokenID, Status: models.StatusCancelled})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: 424242, Status: models.StatusCalled})
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestListTokensPositions(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, divisionID := seedOrganization(t, ctx, pool)
	var created []models.Token
	for i := 0; i < 3; i++ {
		token, _, err := st.CreateToken(ctx, store.CreateTokenInput{DepartmentID: departmentID, DivisionID: divisionID})
		require.NoError(t, err)
		created = append(created, token)
	}
	_, err := st.UpdateTokenStatus(ctx, store.UpdateStatusInput{TokenID: created[0].TokenID, Status: models.StatusCalled})
	require.NoError(t, err)

	tokens, err := st.ListTokens(ctx, store.TokenFilter{DivisionID: divisionID})
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, 0, tokens[0].PositionInQueue)
	assert.Equal(t, 1, tokens[1].PositionInQueue)
	assert.Equal(t, 2, tokens[2].PositionInQueue)
	assert.Equal(t, "Health Services", tokens[1].DepartmentName)

	waiting, err := st.ListTokens(ctx, store.TokenFilter{DivisionID: divisionID, Status: models.StatusActive})
	require.NoError(t, err)
	assert.Len(t, waiting, 2)
}

func TestLoginAndSession(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	hash, err := HashPassword("secret")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO users (user_id, email, password_hash, role) VALUES ($1, 'clerk@example.gov', $2, 'staff')
	`, uuid.NewString(), hash)
	require.NoError(t, err)

	_, err = st.Login(ctx, store.LoginInput{Email: "clerk@example.gov", Password: "wrong"})
	assert.ErrorIs(t, err, store.ErrInvalidCredentials)

	result, err := st.Login(ctx, store.LoginInput{Email: "Clerk@example.gov", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleStaff, result.Session.Role)

	session, err := st.GetSession(ctx, result.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.User.UserID, session.UserID)

	_, err = st.GetSession(ctx, "not-a-session")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

type createResult struct {
	number int
	err    error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{Location: time.UTC})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedOrganization(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (int64, int64) {
	t.Helper()
	var departmentID, divisionID int64
	row := pool.QueryRow(ctx, `
		INSERT INTO departments (name) VALUES ('Health Services') RETURNING department_id
	`)
	if err := row.Scan(&departmentID); err != nil {
		t.Fatalf("insert department: %v", err)
	}
	row = pool.QueryRow(ctx, `
		INSERT INTO divisions (department_id, name) VALUES ($1, 'Primary Health Care') RETURNING division_id
	`, departmentID)
	if err := row.Scan(&divisionID); err != nil {
		t.Fatalf("insert division: %v", err)
	}
	return departmentID, divisionID
}
