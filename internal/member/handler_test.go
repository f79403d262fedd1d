package member

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenshar/gymflow-backtend/internal/auth"
)

// The listing and role queries need Postgres; these tests cover the routes
// that go through the auth service, wired the way the bootstrap wires them.
func newTestRouter(t *testing.T) (*http.ServeMux, *auth.Service) {
	t.Helper()

	service, err := auth.NewService(
		auth.NewMemoryStore(),
		auth.NewMemoryRevocationStore(),
		auth.NewLightHasher(),
		auth.NewTokenIssuer("test-secret", 30*time.Minute),
	)
	require.NoError(t, err)

	handler := NewHandler(nil, service)

	mux := http.NewServeMux()
	mux.Handle("GET /members/me", auth.RequireAuth(service, http.HandlerFunc(handler.Me)))
	mux.Handle("POST /admin/members/{id}/unlock", auth.RequireAuth(service, auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(handler.Unlock))))
	return mux, service
}

func register(t *testing.T, service *auth.Service, username, role string) *auth.Member {
	t.Helper()
	member, err := service.Register(context.Background(), auth.RegisterParams{
		Username: username,
		Email:    username + "@x.com",
		Password: "Secr3t!",
		Role:     role,
	})
	require.NoError(t, err)
	return member
}

func login(t *testing.T, service *auth.Service, identity, password string) string {
	t.Helper()
	tokens, err := service.Login(context.Background(), identity, password)
	require.NoError(t, err)
	return tokens.AccessToken
}

func TestMeReturnsOwnProfile(t *testing.T) {
	mux, service := newTestRouter(t)

	registered := register(t, service, "alice", "")
	token := login(t, service, "alice", "Secr3t!")

	req := httptest.NewRequest(http.MethodGet, "/members/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Member Record `json:"member"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, registered.ID, body.Member.ID)
	assert.Equal(t, "alice", body.Member.Username)
	assert.Equal(t, auth.RoleMember, body.Member.Role)
}

func TestMeRequiresToken(t *testing.T) {
	mux, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/members/me", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnlockEndpoint(t *testing.T) {
	mux, service := newTestRouter(t)
	ctx := context.Background()

	locked := register(t, service, "alice", "")
	register(t, service, "boss", auth.RoleAdmin)

	for i := 0; i < 5; i++ {
		service.Login(ctx, "alice", "wrong")
	}
	_, err := service.Login(ctx, "alice", "Secr3t!")
	var lockedErr auth.AccountLockedError
	require.ErrorAs(t, err, &lockedErr)

	adminToken := login(t, service, "boss", "Secr3t!")
	req := httptest.NewRequest(http.MethodPost, "/admin/members/"+locked.ID+"/unlock", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = service.Login(ctx, "alice", "Secr3t!")
	assert.NoError(t, err)
}

func TestUnlockForbiddenForNonAdmin(t *testing.T) {
	mux, service := newTestRouter(t)

	target := register(t, service, "alice", "")
	register(t, service, "coach", auth.RoleTrainer)

	token := login(t, service, "coach", "Secr3t!")
	req := httptest.NewRequest(http.MethodPost, "/admin/members/"+target.ID+"/unlock", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
