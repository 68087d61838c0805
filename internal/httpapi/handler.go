package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/token-portal/internal/cache"
	"qms/token-portal/internal/models"
	"qms/token-portal/internal/notify"
	"qms/token-portal/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotCache is the slice of cache.SnapshotCache the handler needs.
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, int64, bool, error)
	Set(ctx context.Context, key string, version int64, payload []byte) error
	Invalidate(ctx context.Context) error
}

type Handler struct {
	store     store.TokenStore
	cache     SnapshotCache
	announcer notify.Announcer
	validate  *validator.Validate
	location  *time.Location
	now       func() time.Time
}

type Options struct {
	Cache     SnapshotCache
	Announcer notify.Announcer
	Location  *time.Location
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
	UserID    string    `json:"user_id"`
}

type createTokenRequest struct {
	RequestID    string `json:"request_id" validate:"omitempty,uuid"`
	DepartmentID int64  `json:"department_id" validate:"required,gt=0"`
	DivisionID   int64  `json:"division_id" validate:"required,gt=0"`
}

type createTokenResponse struct {
	TokenID        int64     `json:"token_id"`
	TokenNumber    int       `json:"token_number"`
	DepartmentID   int64     `json:"department_id"`
	DivisionID     int64     `json:"division_id"`
	DepartmentName string    `json:"department_name"`
	DivisionName   string    `json:"division_name"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	Replayed       bool      `json:"replayed,omitempty"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type updateStatusResponse struct {
	OK    bool         `json:"ok"`
	Token models.Token `json:"token"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(tokens store.TokenStore, options Options) *Handler {
	loc := options.Location
	if loc == nil {
		loc = time.Local
	}
	announcer := options.Announcer
	if announcer == nil {
		announcer = notify.Noop{}
	}
	return &Handler{
		store:     tokens,
		cache:     options.Cache,
		announcer: announcer,
		validate:  validator.New(),
		location:  loc,
		now:       time.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/", h.handleTokenActions)
	mux.HandleFunc("/api/departments", h.handleDepartments)
	mux.HandleFunc("/api/divisions", h.handleDivisions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	result, err := h.store.Login(r.Context(), store.LoginInput{Email: req.Email, Password: req.Password})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	log.Printf("login user_id=%s role=%s", result.User.UserID, result.Session.Role)
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID: result.Session.SessionID,
		ExpiresAt: result.Session.ExpiresAt,
		Role:      result.Session.Role,
		UserID:    result.User.UserID,
	})
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListTokens(w, r)
	case http.MethodPost:
		h.handleCreateToken(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "department_id and division_id are required; request_id must be a UUID when provided")
		return
	}

	token, created, err := h.store.CreateToken(r.Context(), store.CreateTokenInput{
		RequestID:    req.RequestID,
		DepartmentID: req.DepartmentID,
		DivisionID:   req.DivisionID,
		CreatedAt:    h.now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		if status == http.StatusInternalServerError {
			log.Printf("create token error division_id=%d request_id=%s: %v", req.DivisionID, req.RequestID, err)
		}
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if created {
		tokensIssued.Inc()
		h.invalidate(r.Context())
		log.Printf("token issued token_id=%d token_number=%d division_id=%d", token.TokenID, token.TokenNumber, token.DivisionID)
	}

	writeJSON(w, http.StatusOK, createTokenResponse{
		TokenID:        token.TokenID,
		TokenNumber:    token.TokenNumber,
		DepartmentID:   token.DepartmentID,
		DivisionID:     token.DivisionID,
		DepartmentName: token.DepartmentName,
		DivisionName:   token.DivisionName,
		Status:         token.Status,
		CreatedAt:      token.CreatedAt,
		Replayed:       !created,
	})
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	departmentID, ok := parseOptionalID(query.Get("department_id"))
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "department_id must be a positive integer")
		return
	}
	divisionID, ok := parseOptionalID(query.Get("division_id"))
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "division_id must be a positive integer")
		return
	}
	status := strings.TrimSpace(query.Get("status"))
	if status != "" && !models.IsKnownStatus(status) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "unknown status filter")
		return
	}
	status = models.NormalizeStatus(status)

	day := h.now().In(h.location)
	if raw := strings.TrimSpace(query.Get("date")); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, h.location)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	key := cache.ListKey(day.Format("2006-01-02"), departmentID, divisionID, status)
	payload, version, fill := h.cachedList(r.Context(), key)
	if payload != nil {
		writeRaw(w, http.StatusOK, payload)
		return
	}

	tokens, err := h.store.ListTokens(r.Context(), store.TokenFilter{
		DepartmentID: departmentID,
		DivisionID:   divisionID,
		Status:       status,
		Day:          day,
	})
	if err != nil {
		log.Printf("list tokens error department_id=%d division_id=%d: %v", departmentID, divisionID, err)
		httpStatus, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), httpStatus, code, msg)
		return
	}

	payload, err = json.Marshal(tokens)
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if fill {
		if err := h.cache.Set(r.Context(), key, version, payload); err != nil {
			log.Printf("snapshot cache set error key=%s: %v", key, err)
		}
	}
	writeRaw(w, http.StatusOK, payload)
}

// cachedList returns the cached payload on a hit. On a clean miss it
// returns the version to fill the cache at and fill=true.
func (h *Handler) cachedList(ctx context.Context, key string) (payload []byte, version int64, fill bool) {
	if h.cache == nil {
		return nil, 0, false
	}
	payload, version, hit, err := h.cache.Get(ctx, key)
	if err != nil {
		snapshotLookups.WithLabelValues("error").Inc()
		log.Printf("snapshot cache get error key=%s: %v", key, err)
		return nil, 0, false
	}
	if !hit {
		snapshotLookups.WithLabelValues("miss").Inc()
		return nil, version, true
	}
	snapshotLookups.WithLabelValues("hit").Inc()
	return payload, version, false
}

func (h *Handler) invalidate(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx); err != nil {
		log.Printf("snapshot cache invalidate error: %v", err)
	}
}

func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "status" {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "route not found")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tokenID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || tokenID <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "token id must be a positive integer")
		return
	}
	h.handleUpdateStatus(w, r, tokenID)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request, tokenID int64) {
	var req updateStatusRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if err := h.validate.Struct(req); err != nil || !models.IsKnownStatus(req.Status) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "status must be one of waiting, called, serving, completed, cancelled")
		return
	}

	token, err := h.store.UpdateTokenStatus(r.Context(), store.UpdateStatusInput{
		TokenID:    tokenID,
		Status:     models.NormalizeStatus(req.Status),
		OccurredAt: h.now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	transitionsTotal.WithLabelValues(token.Status).Inc()
	h.invalidate(r.Context())
	actor := ""
	if session, ok := sessionFromContext(r.Context()); ok {
		actor = session.UserID
	}
	log.Printf("token transition token_id=%d status=%s division_id=%d user_id=%s", token.TokenID, token.Status, token.DivisionID, actor)
	if token.Status == models.StatusCalled {
		notify.AnnounceAsync(h.announcer, token)
	}

	writeJSON(w, http.StatusOK, updateStatusResponse{OK: true, Token: token})
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departments, err := h.store.ListDepartments(r.Context())
	if err != nil {
		log.Printf("list departments error: %v", err)
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, departments)
}

func (h *Handler) handleDivisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departmentID, ok := parseOptionalID(r.URL.Query().Get("department_id"))
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "department_id must be a positive integer")
		return
	}
	divisions, err := h.store.ListDivisions(r.Context(), departmentID)
	if err != nil {
		log.Printf("list divisions error department_id=%d: %v", departmentID, err)
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, divisions)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// parseOptionalID accepts an empty value as "no filter".
func parseOptionalID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrDivisionNotFound):
		return http.StatusNotFound, "division_not_found", "division not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token status does not allow this transition"
	case errors.Is(err, store.ErrRequestConflict):
		return http.StatusConflict, "request_conflict", "request id was already used for a different division"
	case errors.Is(err, store.ErrServingOccupied):
		return http.StatusConflict, "serving_occupied", "another token is already being served in this division"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized, "unauthorized", "invalid email or password"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
