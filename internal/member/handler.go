package member

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/kenshar/gymflow-backtend/internal/auth"
)

type Handler struct {
	repo    *Repository
	service *auth.Service
}

func NewHandler(repo *Repository, service *auth.Service) *Handler {
	return &Handler{repo: repo, service: service}
}

// Me returns the authenticated member's own profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	member, err := h.service.MemberByID(r.Context(), identity.MemberID)
	if err != nil {
		if errors.Is(err, auth.ErrMemberNotFound) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"member": Record{
		ID:        member.ID,
		Username:  member.Username,
		Email:     member.Email,
		Role:      member.Role,
		FirstName: member.FirstName,
		LastName:  member.LastName,
		CreatedAt: member.CreatedAt,
	}})
}

// List serves the admin dashboard member listing with role and lock-status
// filters.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role != "" && !auth.ValidRole(role) {
		writeError(w, http.StatusBadRequest, "role must be one of: admin, trainer, member")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" && status != "locked" && status != "unlocked" {
		writeError(w, http.StatusBadRequest, "status must be locked or unlocked")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, err := h.repo.List(r.Context(), role, status, limit, offset)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	if records == nil {
		records = []Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"members": records, "count": len(records)})
}

type roleUpdateRequest struct {
	Role string `json:"role"`
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	memberID := r.PathValue("id")
	if memberID == identity.MemberID {
		writeError(w, http.StatusBadRequest, "cannot change your own role")
		return
	}

	var body roleUpdateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !auth.ValidRole(body.Role) {
		writeError(w, http.StatusBadRequest, "role must be one of: admin, trainer, member")
		return
	}

	if err := h.repo.UpdateRole(r.Context(), memberID, body.Role); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update role")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "member role updated", "role": body.Role})
}

// Unlock lifts an account lockout directly, bypassing the lazy expiry.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	memberID := r.PathValue("id")

	if err := h.service.UnlockAccount(r.Context(), memberID); err != nil {
		if errors.Is(err, auth.ErrMemberNotFound) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to unlock account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "member account unlocked"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
