package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kenshar/gymflow-backtend/internal/auth"
	"github.com/kenshar/gymflow-backtend/internal/observability"
)

// CleanupHandler prunes auth data that is past its usefulness: revoked-token
// entries whose mirrored expiry has passed and reset tokens that expired or
// were consumed long ago. Meant to be hit by a cron with a shared secret.
type CleanupHandler struct {
	store          auth.Store
	revocations    auth.RevocationStore
	logger         *observability.Logger
	cronSecret     string
	resetRetention time.Duration
	batchSize      int
}

func NewCleanupHandler(
	store auth.Store,
	revocations auth.RevocationStore,
	logger *observability.Logger,
	cronSecret string,
	resetRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if resetRetention <= 0 {
		resetRetention = 7 * 24 * time.Hour
	}
	return &CleanupHandler{
		store:          store,
		revocations:    revocations,
		logger:         logger,
		cronSecret:     strings.TrimSpace(cronSecret),
		resetRetention: resetRetention,
		batchSize:      batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	prunedRevoked, err := h.revocations.Prune(r.Context())
	if err != nil {
		h.logger.Error("revoked_token_prune_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	resetCutoff := time.Now().UTC().Add(-h.resetRetention)
	prunedResets, err := h.store.PruneResetTokens(r.Context(), resetCutoff, h.batchSize)
	if err != nil {
		h.logger.Error("reset_token_prune_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"pruned_revoked_tokens": prunedRevoked,
		"pruned_reset_tokens":   prunedResets,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]int64{
			"pruned_revoked_tokens": prunedRevoked,
			"pruned_reset_tokens":   prunedResets,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
