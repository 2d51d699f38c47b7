package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/taskmesh/internal/config"
	"github.com/khryptorgraphics/taskmesh/pkg/auth"
)

// newTestServer wires a Server with auth and routing but no database
// or scheduler, enough to exercise the middleware stack and request
// validation up to (but not into) the persistence layer.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.API.RateLimit.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtSvc, err := auth.NewJWTService(&cfg.JWT)
	require.NoError(t, err)

	rbac := auth.NewRBAC()
	return &Server{
		config:    cfg,
		jwtSvc:    jwtSvc,
		rbac:      rbac,
		authMW:    auth.NewAuthMiddleware(jwtSvc, rbac),
		logger:    logger,
		websocket: NewWebSocketHub(logger),
	}
}

func (s *Server) seedDriver(t *testing.T, id, username string, roles ...string) string {
	t.Helper()
	require.NoError(t, s.rbac.UpsertUser(&auth.User{
		ID:       id,
		Username: username,
		Roles:    roles,
		Active:   true,
	}))
	role := ""
	if len(roles) > 0 {
		role = roles[0]
	}
	tokens, err := s.jwtSvc.GenerateToken(id, username, role, auth.GetRolePermissions(role))
	require.NoError(t, err)
	return tokens.AccessToken
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s := newTestServer(t)
	router := s.setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token_missing")
}

func TestMalformedTokenRejected(t *testing.T) {
	s := newTestServer(t)
	router := s.setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token_invalid")
}

func TestUnknownDriverRejected(t *testing.T) {
	s := newTestServer(t)
	router := s.setupRouter()

	// A syntactically valid token for a driver this node has never seen.
	tokens, err := s.jwtSvc.GenerateToken("ghost", "ghost", auth.RoleDriver, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_driver")
}

func TestSubmitRequiresTaskSubmitPermission(t *testing.T) {
	s := newTestServer(t)
	router := s.setupRouter()
	token := s.seedDriver(t, "ro-1", "observer", auth.RoleReadonly)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_permissions")
}

func TestSubmitRejectsInvalidFunctionID(t *testing.T) {
	s := newTestServer(t)
	router := s.setupRouter()
	token := s.seedDriver(t, "drv-1", "alice", auth.RoleDriver)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks",
		strings.NewReader(`{"function_id": "not-hex"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_function_id")
}

func TestContentTypeEnforcedOnMutations(t *testing.T) {
	s := newTestServer(t)
	router := s.setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("plain text"))
	req.Header.Set("Content-Type", "text/plain")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_content_type")
}

func TestSecurityHeadersPresent(t *testing.T) {
	s := newTestServer(t)
	router := s.setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
