package auth

import (
	"errors"
	"time"
)

var (
	ErrDuplicateCredential = errors.New("username or email already exists")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRole         = errors.New("invalid role")
	ErrMemberNotFound      = errors.New("member not found")

	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenBadSignature = errors.New("token signature invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenRevoked      = errors.New("token revoked")

	ErrResetTokenNotFound    = errors.New("reset token not found")
	ErrResetTokenExpired     = errors.New("reset token expired")
	ErrResetTokenAlreadyUsed = errors.New("reset token already used")
)

// AccountLockedError carries the moment the lock expires so handlers can set
// a Retry-After header.
type AccountLockedError struct {
	Until time.Time
}

func (e AccountLockedError) Error() string {
	return "account temporarily locked"
}
