package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	service, _ := newTestService(t)
	return NewHandler(service), service
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func registerBody(username, email, password string) string {
	return fmt.Sprintf(`{"username":%q,"email":%q,"password":%q}`, username, email, password)
}

func TestHandlerRegister(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Member memberResponse `json:"member"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body.Member.Username)
	assert.Equal(t, RoleMember, body.Member.Role)

	rec = doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "other@x.com", "Secr3t!"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerRegisterValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"bad username", registerBody("a", "alice@x.com", "Secr3t!")},
		{"bad email", registerBody("alice", "not-an-email", "Secr3t!")},
		{"short password", registerBody("alice", "alice@x.com", "abc")},
		{"unknown field", `{"username":"alice","email":"alice@x.com","password":"Secr3t!","admin":true}`},
	}
	for _, tc := range cases {
		rec := doJSON(t, h.Register, http.MethodPost, "/auth/register", tc.body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
	}
}

func TestHandlerLogin(t *testing.T) {
	h, _ := newTestHandler(t)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)

	rec := doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"Secr3t!"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens TokenResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, RoleMember, tokens.Role)

	rec = doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong-pass"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"nobody","password":"wrong-pass"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerLoginKeepsPasswordWhitespace(t *testing.T) {
	h, _ := newTestHandler(t)

	// Registration accepts surrounding whitespace; login must compare the
	// same bytes instead of trimming them away.
	rec := doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", " Secr3t! "), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":" Secr3t! "}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"Secr3t!"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerLoginLocked(t *testing.T) {
	h, _ := newTestHandler(t)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)

	for i := 0; i < 5; i++ {
		doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong-pass"}`, nil)
	}

	rec := doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"Secr3t!"}`, nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func bearerHeader(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header
}

func loginToken(t *testing.T, h *Handler) string {
	t.Helper()

	rec := doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"Secr3t!"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens TokenResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	return tokens.AccessToken
}

func TestHandlerLogoutThenVerify(t *testing.T) {
	h, _ := newTestHandler(t)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)
	token := loginToken(t, h)

	rec := doJSON(t, h.Logout, http.MethodPost, "/auth/logout", "", bearerHeader(token))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h.Verify, http.MethodGet, "/auth/verify", "", bearerHeader(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")
}

func TestHandlerVerify(t *testing.T) {
	h, _ := newTestHandler(t)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)
	token := loginToken(t, h)

	rec := doJSON(t, h.Verify, http.MethodGet, "/auth/verify", "", bearerHeader(token))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Valid    bool   `json:"valid"`
		MemberID string `json:"member_id"`
		Role     string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Valid)
	assert.NotEmpty(t, body.MemberID)
	assert.Equal(t, RoleMember, body.Role)

	rec = doJSON(t, h.Verify, http.MethodGet, "/auth/verify", "", bearerHeader("garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h.Verify, http.MethodGet, "/auth/verify", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerRefresh(t *testing.T) {
	h, _ := newTestHandler(t)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)
	token := loginToken(t, h)

	rec := doJSON(t, h.Refresh, http.MethodPost, "/auth/refresh", "", bearerHeader(token))
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens TokenResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEqual(t, token, tokens.AccessToken)

	rec = doJSON(t, h.Refresh, http.MethodPost, "/auth/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerResetRequestDoesNotRevealAccounts(t *testing.T) {
	h, _ := newTestHandler(t)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)

	known := doJSON(t, h.RequestPasswordReset, http.MethodPost, "/auth/password-reset/request", `{"identity":"alice@x.com"}`, nil)
	unknown := doJSON(t, h.RequestPasswordReset, http.MethodPost, "/auth/password-reset/request", `{"identity":"nobody@x.com"}`, nil)

	assert.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, http.StatusAccepted, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())
}

func TestHandlerResetConfirm(t *testing.T) {
	h, service := newTestHandler(t)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)

	raw, err := service.RequestPasswordReset(t.Context(), "alice")
	require.NoError(t, err)

	body := fmt.Sprintf(`{"token":%q,"new_password":"N3w-Secret!"}`, raw)
	rec := doJSON(t, h.ConfirmPasswordReset, http.MethodPost, "/auth/password-reset/confirm", body, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h.ConfirmPasswordReset, http.MethodPost, "/auth/password-reset/confirm", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "already used")

	rec = doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"N3w-Secret!"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerResetConfirmUnknownToken(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h.ConfirmPasswordReset, http.MethodPost, "/auth/password-reset/confirm", `{"token":"never-issued","new_password":"N3w-Secret!"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestHandlerExpiredTokenMessage(t *testing.T) {
	store := NewMemoryStore()
	service, err := NewService(store, NewMemoryRevocationStore(), NewLightHasher(), NewTokenIssuer("test-secret", time.Nanosecond))
	require.NoError(t, err)
	h := NewHandler(service)

	doJSON(t, h.Register, http.MethodPost, "/auth/register", registerBody("alice", "alice@x.com", "Secr3t!"), nil)
	rec := doJSON(t, h.Login, http.MethodPost, "/auth/login", `{"username":"alice","password":"Secr3t!"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens TokenResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))

	time.Sleep(5 * time.Millisecond)

	rec = doJSON(t, h.Verify, http.MethodGet, "/auth/verify", "", bearerHeader(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}
