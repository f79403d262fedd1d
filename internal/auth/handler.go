package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 6
	maxPasswordLength = 200
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type resetRequestBody struct {
	Identity string `json:"identity"`
}

type resetConfirmBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type memberResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toMemberResponse(member *Member) memberResponse {
	return memberResponse{
		ID:        member.ID,
		Username:  member.Username,
		Email:     member.Email,
		Role:      member.Role,
		FirstName: member.FirstName,
		LastName:  member.LastName,
		CreatedAt: member.CreatedAt,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	body.Email = strings.TrimSpace(strings.ToLower(body.Email))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if len(body.Password) < minPasswordLength || len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}
	// Public registration always yields a member; elevated roles are granted
	// through the admin role endpoint.
	member, err := h.service.Register(r.Context(), RegisterParams{
		Username:  body.Username,
		Email:     body.Email,
		Password:  body.Password,
		Role:      RoleMember,
		FirstName: strings.TrimSpace(body.FirstName),
		LastName:  strings.TrimSpace(body.LastName),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateCredential):
			writeError(w, http.StatusConflict, "username or email already exists")
		case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "invalid registration data")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to register")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"member": toMemberResponse(member)})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	// The password is compared byte for byte against what register stored;
	// only the identity gets normalized.
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var locked AccountLockedError
		if errors.As(err, &locked) {
			retryAfter := int(time.Until(locked.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusLocked, "account temporarily locked")
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		if isTokenError(err) {
			writeError(w, http.StatusUnauthorized, tokenErrorMessage(err))
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		if isTokenError(err) || errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, tokenErrorMessage(err))
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Verify reports token validity without guarding anything, mirroring the
// login client's pre-flight check.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "error": "missing authorization token"})
		return
	}

	identity, err := h.service.Authenticate(r.Context(), token)
	if err != nil {
		if isTokenError(err) || errors.Is(err, ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "error": tokenErrorMessage(err)})
			return
		}
		sentry.CaptureException(err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"valid": false, "error": "verification failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"member_id": identity.MemberID,
		"role":      identity.Role,
	})
}

// RequestPasswordReset answers 202 with an identical body whether or not the
// identity exists.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if _, err := h.service.RequestPasswordReset(r.Context(), body.Identity); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to process reset request")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the account exists, a reset token has been issued",
	})
}

func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetConfirmBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if len(body.NewPassword) < minPasswordLength || len(body.NewPassword) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		switch {
		case errors.Is(err, ErrResetTokenNotFound):
			writeError(w, http.StatusBadRequest, "reset token not found")
		case errors.Is(err, ErrResetTokenExpired):
			writeError(w, http.StatusBadRequest, "reset token expired")
		case errors.Is(err, ErrResetTokenAlreadyUsed):
			writeError(w, http.StatusBadRequest, "reset token already used")
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "password format is invalid")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to reset password")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func isTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenBadSignature) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked)
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrTokenRevoked):
		return "token has been revoked"
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	default:
		return "invalid token"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
