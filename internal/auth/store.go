package auth

import (
	"context"
	"time"
)

// Store is the persistence contract for credentials, lockout state and reset
// tokens. Both implementations (Postgres and in-memory) guarantee the
// read-modify-write operations are atomic, so two concurrent failed logins
// cannot both observe the same counter value.
type Store interface {
	CreateMember(ctx context.Context, member *Member) error
	MemberByID(ctx context.Context, id string) (*Member, error)
	// MemberByIdentity resolves a username or email, lowercased.
	MemberByIdentity(ctx context.Context, identity string) (*Member, error)

	// RegisterFailedAttempt increments the failed-attempt counter for one
	// member atomically. Reaching threshold sets locked_until = now+lockFor
	// and zeroes the counter. Returns the lock expiry when the account is
	// (or just became) locked. An attempt against an already-locked account
	// does not increment.
	RegisterFailedAttempt(ctx context.Context, memberID string, threshold int, lockFor time.Duration, now time.Time) (*time.Time, error)
	// ClearLockout zeroes the counter and removes any lock.
	ClearLockout(ctx context.Context, memberID string) error

	// UpdatePassword replaces the hash and stamps tokens_valid_after so
	// previously issued access tokens stop authenticating.
	UpdatePassword(ctx context.Context, memberID, passwordHash string, now time.Time) error

	// CreateResetToken stores a new reset token and invalidates all prior
	// unconsumed tokens for the same member.
	CreateResetToken(ctx context.Context, record *ResetTokenRecord) error
	// ConsumeResetToken marks the token consumed and applies the new
	// password hash in one transaction. Returns the member ID on success.
	ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error)
	// PruneResetTokens removes expired tokens and tokens consumed before
	// cutoff, up to batchSize rows.
	PruneResetTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
