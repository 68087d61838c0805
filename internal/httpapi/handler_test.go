package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"qms/token-portal/internal/models"
	"qms/token-portal/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	createFn      func(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error)
	listFn        func(ctx context.Context, filter store.TokenFilter) ([]models.Token, error)
	updateFn      func(ctx context.Context, input store.UpdateStatusInput) (models.Token, error)
	departmentsFn func(ctx context.Context) ([]models.Department, error)
	divisionsFn   func(ctx context.Context, departmentID int64) ([]models.Division, error)
	loginFn       func(ctx context.Context, input store.LoginInput) (store.LoginResult, error)
	sessionFn     func(ctx context.Context, sessionID string) (models.Session, error)
}

func (f fakeStore) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
	if f.createFn == nil {
		return models.Token{}, false, nil
	}
	return f.createFn(ctx, input)
}

func (f fakeStore) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	if f.listFn == nil {
		return []models.Token{}, nil
	}
	return f.listFn(ctx, filter)
}

func (f fakeStore) UpdateTokenStatus(ctx context.Context, input store.UpdateStatusInput) (models.Token, error) {
	if f.updateFn == nil {
		return models.Token{}, nil
	}
	return f.updateFn(ctx, input)
}

func (f fakeStore) ListDepartments(ctx context.Context) ([]models.Department, error) {
	if f.departmentsFn == nil {
		return []models.Department{}, nil
	}
	return f.departmentsFn(ctx)
}

func (f fakeStore) ListDivisions(ctx context.Context, departmentID int64) ([]models.Division, error) {
	if f.divisionsFn == nil {
		return []models.Division{}, nil
	}
	return f.divisionsFn(ctx, departmentID)
}

func (f fakeStore) Login(ctx context.Context, input store.LoginInput) (store.LoginResult, error) {
	if f.loginFn == nil {
		return store.LoginResult{}, store.ErrInvalidCredentials
	}
	return f.loginFn(ctx, input)
}

func (f fakeStore) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	if f.sessionFn == nil {
		if sessionID == "staff-session" {
			return models.Session{SessionID: sessionID, UserID: "u-1", Role: models.RoleStaff}, nil
		}
		if sessionID == "public-session" {
			return models.Session{SessionID: sessionID, UserID: "u-2", Role: models.RolePublic}, nil
		}
		return models.Session{}, store.ErrSessionNotFound
	}
	return f.sessionFn(ctx, sessionID)
}

type memoryCache struct {
	mu          sync.Mutex
	version     int64
	entries     map[string][]byte
	invalidated int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[fmt.Sprintf("v%d:%s", c.version, key)]
	return value, c.version, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, version int64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fmt.Sprintf("v%d:%s", version, key)] = payload
	return nil
}

func (c *memoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.invalidated++
	return nil
}

type recordingAnnouncer struct {
	calls chan models.Token
}

func (a recordingAnnouncer) Announce(_ context.Context, token models.Token) error {
	a.calls <- token
	return nil
}

var fixedNow = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func newTestServer(st fakeStore, options Options) http.Handler {
	if options.Location == nil {
		options.Location = time.UTC
	}
	handler := NewHandler(st, options)
	handler.now = func() time.Time { return fixedNow }
	return AuthMiddleware(st, handler.Routes())
}

func doRequest(t *testing.T, h http.Handler, method, path, session string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decodeErrorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestCreateTokenRequiresSession(t *testing.T) {
	h := newTestServer(fakeStore{}, Options{})

	resp := doRequest(t, h, http.MethodPost, "/api/tokens", "", map[string]interface{}{"department_id": 1, "division_id": 2})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "unauthorized", decodeErrorCode(t, resp))

	resp = doRequest(t, h, http.MethodPost, "/api/tokens", "public-session", map[string]interface{}{"department_id": 1, "division_id": 2})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "access_denied", decodeErrorCode(t, resp))
}

func TestCreateTokenSuccess(t *testing.T) {
	var captured store.CreateTokenInput
	cache := newMemoryCache()
	st := fakeStore{
		createFn: func(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
			captured = input
			return models.Token{
				TokenID:        55,
				TokenNumber:    7,
				DepartmentID:   1,
				DivisionID:     2,
				DepartmentName: "Health Services",
				DivisionName:   "Primary Health Care",
				Status:         models.StatusWaiting,
				CreatedAt:      input.CreatedAt,
			}, true, nil
		},
	}
	h := newTestServer(st, Options{Cache: cache})

	resp := doRequest(t, h, http.MethodPost, "/api/tokens", "staff-session", map[string]interface{}{
		"request_id":    "7b0d5f1e-7c53-4d0b-9d35-8f3f1c1b2a10",
		"department_id": 1,
		"division_id":   2,
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var payload createTokenResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, int64(55), payload.TokenID)
	assert.Equal(t, 7, payload.TokenNumber)
	assert.False(t, payload.Replayed)
	assert.Equal(t, "7b0d5f1e-7c53-4d0b-9d35-8f3f1c1b2a10", captured.RequestID)
	assert.Equal(t, fixedNow, captured.CreatedAt)
	assert.Equal(t, 1, cache.invalidated)
}

func TestCreateTokenReplayDoesNotInvalidate(t *testing.T) {
	cache := newMemoryCache()
	st := fakeStore{
		createFn: func(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
			return models.Token{TokenID: 55, TokenNumber: 7, Status: models.StatusWaiting}, false, nil
		},
	}
	h := newTestServer(st, Options{Cache: cache})

	resp := doRequest(t, h, http.MethodPost, "/api/tokens", "staff-session", map[string]interface{}{
		"request_id":    "7b0d5f1e-7c53-4d0b-9d35-8f3f1c1b2a10",
		"department_id": 1,
		"division_id":   2,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	var payload createTokenResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.True(t, payload.Replayed)
	assert.Equal(t, 0, cache.invalidated)
}

func TestCreateTokenValidation(t *testing.T) {
	h := newTestServer(fakeStore{}, Options{})

	cases := []struct {
		name string
		body interface{}
		code string
	}{
		{name: "missing division", body: map[string]interface{}{"department_id": 1}, code: "invalid_request"},
		{name: "bad request id", body: map[string]interface{}{"department_id": 1, "division_id": 2, "request_id": "abc"}, code: "invalid_request"},
		{name: "unknown field", body: map[string]interface{}{"department_id": 1, "division_id": 2, "priority": "vip"}, code: "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, h, http.MethodPost, "/api/tokens", "staff-session", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.Equal(t, tc.code, decodeErrorCode(t, resp))
		})
	}
}

func TestCreateTokenMapsStoreErrors(t *testing.T) {
	st := fakeStore{
		createFn: func(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
			return models.Token{}, false, store.ErrDivisionNotFound
		},
	}
	h := newTestServer(st, Options{})

	resp := doRequest(t, h, http.MethodPost, "/api/tokens", "staff-session", map[string]interface{}{"department_id": 1, "division_id": 9})
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "division_not_found", decodeErrorCode(t, resp))
}

func TestCreateTokenReusedRequestIDConflicts(t *testing.T) {
	st := fakeStore{
		createFn: func(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
			return models.Token{}, false, store.ErrRequestConflict
		},
	}
	h := newTestServer(st, Options{})

	resp := doRequest(t, h, http.MethodPost, "/api/tokens", "staff-session", map[string]interface{}{
		"request_id":    "0b7f0c55-8d1e-4c2a-9a57-3f4b2c1d9e10",
		"department_id": 1,
		"division_id":   3,
	})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "request_conflict", decodeErrorCode(t, resp))
}

func TestListTokensIsPublicAndCached(t *testing.T) {
	calls := 0
	var captured store.TokenFilter
	st := fakeStore{
		listFn: func(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
			calls++
			captured = filter
			return []models.Token{{TokenID: 1, TokenNumber: 3, DivisionID: 2, Status: models.StatusWaiting, PositionInQueue: 1}}, nil
		},
	}
	h := newTestServer(st, Options{Cache: newMemoryCache()})

	first := doRequest(t, h, http.MethodGet, "/api/tokens?division_id=2&status=active", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := doRequest(t, h, http.MethodGet, "/api/tokens?division_id=2&status=active", "", nil)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 1, calls)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int64(2), captured.DivisionID)
	assert.Equal(t, models.StatusWaiting, captured.Status)
	assert.Equal(t, "2026-10-19", captured.Day.Format("2006-01-02"))
}

func TestListTokensWriteDuringFillIsNotCached(t *testing.T) {
	snapshots := newMemoryCache()
	calls := 0
	st := fakeStore{
		listFn: func(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
			calls++
			status := models.StatusCalled
			if calls == 1 {
				status = models.StatusWaiting
				// a status change commits while the list is being read
				require.NoError(t, snapshots.Invalidate(ctx))
			}
			return []models.Token{{TokenID: 1, TokenNumber: 1, DivisionID: 2, Status: status}}, nil
		},
	}
	h := newTestServer(st, Options{Cache: snapshots})

	first := doRequest(t, h, http.MethodGet, "/api/tokens?division_id=2", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := doRequest(t, h, http.MethodGet, "/api/tokens?division_id=2", "", nil)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 2, calls)
	assert.Contains(t, second.Body.String(), `"called"`)
}

func TestListTokensRejectsBadFilters(t *testing.T) {
	h := newTestServer(fakeStore{}, Options{})

	for _, path := range []string{
		"/api/tokens?division_id=abc",
		"/api/tokens?department_id=-1",
		"/api/tokens?status=pending",
		"/api/tokens?date=19-10-2026",
	} {
		resp := doRequest(t, h, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code, path)
	}
}

func TestListTokensStoreFailure(t *testing.T) {
	st := fakeStore{
		listFn: func(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
			return nil, errors.New("connection reset")
		},
	}
	h := newTestServer(st, Options{})

	resp := doRequest(t, h, http.MethodGet, "/api/tokens", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, "internal_error", decodeErrorCode(t, resp))
}

func TestUpdateStatusAnnouncesCall(t *testing.T) {
	announcer := recordingAnnouncer{calls: make(chan models.Token, 1)}
	cache := newMemoryCache()
	var captured store.UpdateStatusInput
	st := fakeStore{
		updateFn: func(ctx context.Context, input store.UpdateStatusInput) (models.Token, error) {
			captured = input
			calledAt := input.OccurredAt
			return models.Token{TokenID: input.TokenID, TokenNumber: 7, DivisionID: 2, Status: input.Status, CalledAt: &calledAt}, nil
		},
	}
	h := newTestServer(st, Options{Cache: cache, Announcer: announcer})

	resp := doRequest(t, h, http.MethodPost, "/api/tokens/55/status", "staff-session", map[string]string{"status": "called"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var payload updateStatusResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.True(t, payload.OK)
	assert.Equal(t, models.StatusCalled, payload.Token.Status)
	assert.Equal(t, int64(55), captured.TokenID)
	assert.Equal(t, 1, cache.invalidated)

	select {
	case token := <-announcer.calls:
		assert.Equal(t, 7, token.TokenNumber)
	case <-time.After(time.Second):
		t.Fatal("expected announcement")
	}
}

func TestUpdateStatusConflicts(t *testing.T) {
	st := fakeStore{
		updateFn: func(ctx context.Context, input store.UpdateStatusInput) (models.Token, error) {
			if input.Status == models.StatusServing {
				return models.Token{}, store.ErrServingOccupied
			}
			return models.Token{}, store.ErrInvalidTransition
		},
	}
	h := newTestServer(st, Options{})

	resp := doRequest(t, h, http.MethodPost, "/api/tokens/55/status", "staff-session", map[string]string{"status": "serving"})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "serving_occupied", decodeErrorCode(t, resp))

	resp = doRequest(t, h, http.MethodPost, "/api/tokens/55/status", "staff-session", map[string]string{"status": "waiting"})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "invalid_transition", decodeErrorCode(t, resp))

	resp = doRequest(t, h, http.MethodPost, "/api/tokens/55/status", "staff-session", map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(t, h, http.MethodPost, "/api/tokens/abc/status", "staff-session", map[string]string{"status": "called"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestLogin(t *testing.T) {
	expires := fixedNow.Add(12 * time.Hour)
	st := fakeStore{
		loginFn: func(ctx context.Context, input store.LoginInput) (store.LoginResult, error) {
			if input.Password != "secret" {
				return store.LoginResult{}, store.ErrInvalidCredentials
			}
			return store.LoginResult{
				User:    models.User{UserID: "u-1", Email: input.Email, Role: models.RoleStaff},
				Session: models.Session{SessionID: "s-1", UserID: "u-1", Role: models.RoleStaff, ExpiresAt: expires},
			}, nil
		},
	}
	h := newTestServer(st, Options{})

	resp := doRequest(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "clerk@example.gov", "password": "secret"})
	require.Equal(t, http.StatusOK, resp.Code)
	var payload loginResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "s-1", payload.SessionID)
	assert.Equal(t, models.RoleStaff, payload.Role)

	resp = doRequest(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "clerk@example.gov", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doRequest(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "not-an-email", "password": "secret"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReferenceDataIsPublic(t *testing.T) {
	var gotDepartment int64
	st := fakeStore{
		departmentsFn: func(ctx context.Context) ([]models.Department, error) {
			return []models.Department{{DepartmentID: 1, Name: "Health Services", Active: true}}, nil
		},
		divisionsFn: func(ctx context.Context, departmentID int64) ([]models.Division, error) {
			gotDepartment = departmentID
			return []models.Division{{DivisionID: 2, DepartmentID: 1, Name: "Primary Health Care", Active: true}}, nil
		},
	}
	h := newTestServer(st, Options{})

	resp := doRequest(t, h, http.MethodGet, "/api/departments", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var departments []models.Department
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &departments))
	assert.Equal(t, "Health Services", departments[0].Name)

	resp = doRequest(t, h, http.MethodGet, "/api/divisions?department_id=1", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(1), gotDepartment)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/tokens/{id}/status", routeLabel("/api/tokens/123/status"))
	assert.Equal(t, "/api/tokens", routeLabel("/api/tokens"))
	assert.Equal(t, "other", routeLabel("/wp-login.php"))
}
