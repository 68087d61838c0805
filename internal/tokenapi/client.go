package tokenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qms/token-portal/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TokenSource supplies the bearer token and is told when the service no
// longer accepts it.
type TokenSource interface {
	Token() string
	Invalidate()
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Tokens     TokenSource
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

type LoginResult struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
	UserID    string    `json:"user_id"`
}

type CreateTokenRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	DepartmentID int64  `json:"department_id"`
	DivisionID   int64  `json:"division_id"`
}

// CreatedToken is the create response. TokenID and TokenNumber are
// mandatory; the names are informational.
type CreatedToken struct {
	TokenID        int64     `json:"token_id"`
	TokenNumber    int       `json:"token_number"`
	DepartmentName string    `json:"department_name"`
	DivisionName   string    `json:"division_name"`
	CreatedAt      time.Time `json:"created_at"`
	Replayed       bool      `json:"replayed"`
}

type Filter struct {
	DepartmentID int64
	DivisionID   int64
	Status       string
	Date         string
}

type statusResponse struct {
	OK    *bool         `json:"ok"`
	Token *models.Token `json:"token"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		tokens:  cfg.Tokens,
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var result LoginResult
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "login", http.MethodPost, "/api/auth/login", nil, body, &result); err != nil {
		return LoginResult{}, err
	}
	if result.SessionID == "" {
		return LoginResult{}, malformed("login", "missing session_id")
	}
	return result, nil
}

func (c *Client) CreateToken(ctx context.Context, req CreateTokenRequest) (CreatedToken, error) {
	var raw map[string]json.RawMessage
	if err := c.do(ctx, "create token", http.MethodPost, "/api/tokens", nil, req, &raw); err != nil {
		return CreatedToken{}, err
	}
	if !present(raw, "token_number") || !present(raw, "token_id") {
		return CreatedToken{}, malformed("create token", "response lacks token_number or token_id")
	}
	var created CreatedToken
	if err := remarshal(raw, &created); err != nil {
		return CreatedToken{}, malformed("create token", err.Error())
	}
	if created.TokenNumber <= 0 || created.TokenID <= 0 {
		return CreatedToken{}, malformed("create token", "token_number and token_id must be positive")
	}
	return created, nil
}

func (c *Client) ListTokens(ctx context.Context, filter Filter) ([]models.Token, error) {
	query := url.Values{}
	if filter.DepartmentID > 0 {
		query.Set("department_id", strconv.FormatInt(filter.DepartmentID, 10))
	}
	if filter.DivisionID > 0 {
		query.Set("division_id", strconv.FormatInt(filter.DivisionID, 10))
	}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	if filter.Date != "" {
		query.Set("date", filter.Date)
	}
	tokens := []models.Token{}
	if err := c.do(ctx, "list tokens", http.MethodGet, "/api/tokens", query, nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// UpdateStatus asks the service to move a ticket. The returned token is the
// service's view after the transition.
func (c *Client) UpdateStatus(ctx context.Context, tokenID int64, status string) (models.Token, error) {
	var resp statusResponse
	path := fmt.Sprintf("/api/tokens/%d/status", tokenID)
	if err := c.do(ctx, "update status", http.MethodPost, path, nil, map[string]string{"status": status}, &resp); err != nil {
		return models.Token{}, err
	}
	if resp.OK == nil || !*resp.OK {
		return models.Token{}, malformed("update status", "missing ok acknowledgement")
	}
	if resp.Token == nil {
		return models.Token{TokenID: tokenID, Status: status}, nil
	}
	return *resp.Token, nil
}

// ListDepartments treats a 500 as final and returns an empty list.
func (c *Client) ListDepartments(ctx context.Context) ([]models.Department, error) {
	departments := []models.Department{}
	err := c.do(ctx, "list departments", http.MethodGet, "/api/departments", nil, nil, &departments)
	if isServerFailure(err) {
		return []models.Department{}, nil
	}
	if err != nil {
		return nil, err
	}
	return departments, nil
}

func (c *Client) ListDivisions(ctx context.Context, departmentID int64) ([]models.Division, error) {
	query := url.Values{}
	if departmentID > 0 {
		query.Set("department_id", strconv.FormatInt(departmentID, 10))
	}
	divisions := []models.Division{}
	err := c.do(ctx, "list divisions", http.MethodGet, "/api/divisions", query, nil, &divisions)
	if isServerFailure(err) {
		return []models.Division{}, nil
	}
	if err != nil {
		return nil, err
	}
	return divisions, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, target interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
			c.tokens.Invalidate()
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}

	if target == nil {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return malformed(op, err.Error())
	}
	return nil
}

func isServerFailure(err error) bool {
	var apiErr *APIError
	return err != nil && errors.As(err, &apiErr) && apiErr.Status == http.StatusInternalServerError
}

func present(raw map[string]json.RawMessage, key string) bool {
	value, ok := raw[key]
	return ok && string(value) != "null"
}

func remarshal(raw map[string]json.RawMessage, target interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
