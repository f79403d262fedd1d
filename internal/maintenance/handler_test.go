package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenshar/gymflow-backtend/internal/auth"
	"github.com/kenshar/gymflow-backtend/internal/observability"
)

func newCleanupHandler(secret string) (*CleanupHandler, auth.RevocationStore) {
	revocations := auth.NewMemoryRevocationStore()
	handler := NewCleanupHandler(
		auth.NewMemoryStore(),
		revocations,
		observability.NewLogger(),
		secret,
		24*time.Hour,
		100,
	)
	return handler, revocations
}

func TestCleanupRequiresSecret(t *testing.T) {
	handler, _ := newCleanupHandler("cron-secret")

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec = httptest.NewRecorder()
	handler.Handle(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCleanupHiddenWithoutConfiguredSecret(t *testing.T) {
	handler, _ := newCleanupHandler("")

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupPrunesExpiredRevocations(t *testing.T) {
	handler, revocations := newCleanupHandler("cron-secret")
	ctx := context.Background()

	require.NoError(t, revocations.Revoke(ctx, "expired", time.Now().UTC().Add(-time.Minute)))
	require.NoError(t, revocations.Revoke(ctx, "live", time.Now().UTC().Add(time.Hour)))

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pruned_revoked_tokens":1`)

	revoked, err := revocations.IsRevoked(ctx, "live")
	require.NoError(t, err)
	assert.True(t, revoked)
}
