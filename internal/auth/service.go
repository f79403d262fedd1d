package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts  = 5
	defaultLockDuration = 15 * time.Minute
	defaultResetTTL     = 30 * time.Minute
)

// Service is the authentication core: registration, login with lockout,
// token verification against the revocation registry, logout, refresh and
// the password-reset flow. Route handlers are thin wrappers over it.
type Service struct {
	store        Store
	revocations  RevocationStore
	hasher       *Hasher
	issuer       *TokenIssuer
	maxAttempts  int
	lockDuration time.Duration
	resetTTL     time.Duration
	dummyHash    string
}

func NewService(store Store, revocations RevocationStore, hasher *Hasher, issuer *TokenIssuer) (*Service, error) {
	// Verified against when the identity is unknown, so unknown-identity and
	// wrong-password logins cost the same.
	dummy := make([]byte, 24)
	if _, err := rand.Read(dummy); err != nil {
		return nil, fmt.Errorf("generate dummy credential: %w", err)
	}
	dummyHash, err := hasher.Hash(hex.EncodeToString(dummy))
	if err != nil {
		return nil, fmt.Errorf("hash dummy credential: %w", err)
	}

	return &Service{
		store:        store,
		revocations:  revocations,
		hasher:       hasher,
		issuer:       issuer,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockDuration,
		resetTTL:     defaultResetTTL,
		dummyHash:    dummyHash,
	}, nil
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, resetTTL time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if resetTTL > 0 {
		s.resetTTL = resetTTL
	}
}

type RegisterParams struct {
	Username  string
	Email     string
	Password  string
	Role      string
	FirstName string
	LastName  string
}

// Register creates a credential record. An empty role defaults to member;
// anything outside the closed set is rejected.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*Member, error) {
	username := strings.TrimSpace(strings.ToLower(params.Username))
	email := strings.TrimSpace(strings.ToLower(params.Email))

	if username == "" || email == "" || params.Password == "" {
		return nil, ErrInvalidCredentials
	}
	role := params.Role
	if role == "" {
		role = RoleMember
	}
	if !ValidRole(role) {
		return nil, ErrInvalidRole
	}

	hash, err := s.hasher.Hash(params.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate member id: %w", err)
	}

	member := &Member{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		FirstName:    strings.TrimSpace(params.FirstName),
		LastName:     strings.TrimSpace(params.LastName),
		CreatedAt:    time.Now().UTC(),
	}
	member.UpdatedAt = member.CreatedAt

	if err := s.store.CreateMember(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

// Login runs the lockout gate before any password work: a locked account
// fails without a hash verification and without touching the counter.
// Unknown identity and wrong password both surface ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, identity, password string) (*TokenResult, error) {
	identity = strings.TrimSpace(strings.ToLower(identity))
	if identity == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()

	member, err := s.store.MemberByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			s.hasher.Verify(password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if member.Locked(now) {
		return nil, AccountLockedError{Until: *member.LockedUntil}
	}

	if !s.hasher.Verify(password, member.PasswordHash) {
		lockedUntil, regErr := s.store.RegisterFailedAttempt(ctx, member.ID, s.maxAttempts, s.lockDuration, now)
		if regErr != nil {
			return nil, regErr
		}
		if lockedUntil != nil {
			return nil, AccountLockedError{Until: *lockedUntil}
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.store.ClearLockout(ctx, member.ID); err != nil {
		return nil, err
	}

	return s.issueResult(member.ID, member.Role)
}

// Authenticate verifies a bearer token: signature and expiry first, then the
// revocation registry, then the member row. Tokens issued before the
// member's tokens_valid_after stamp (set on password reset) count as
// revoked. The role is read from the member row, so role changes apply to
// tokens already in flight.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	claims, err := s.issuer.Verify(bearer)
	if err != nil {
		return nil, err
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("revocation lookup: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	member, err := s.store.MemberByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	// iat is serialized at second precision, so truncate the stamp to avoid
	// rejecting tokens issued in the same second as the reset.
	if member.TokensValidAfter != nil && claims.IssuedAt != nil &&
		claims.IssuedAt.Time.Before(member.TokensValidAfter.Truncate(time.Second)) {
		return nil, ErrTokenRevoked
	}

	return &Identity{MemberID: member.ID, Role: member.Role, TokenID: claims.ID}, nil
}

// Logout revokes the presented token for the rest of its lifetime. An
// already-expired token is a no-op; repeated logouts are idempotent.
func (s *Service) Logout(ctx context.Context, bearer string) error {
	claims, err := s.issuer.Verify(bearer)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil
		}
		return err
	}

	return s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// Refresh exchanges a still-valid token for a fresh one with the same
// subject and role. The old token is not revoked here; it remains valid
// until its own expiry unless the caller also logs it out.
func (s *Service) Refresh(ctx context.Context, bearer string) (*TokenResult, error) {
	identity, err := s.Authenticate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	return s.issueResult(identity.MemberID, identity.Role)
}

// RequestPasswordReset issues a single-use reset token and retires any
// earlier unconsumed ones. An unknown identity performs the same work minus
// the store write and reports success, so responses do not reveal whether
// the account exists. The raw token is returned to the caller (delivery is
// the collaborator's concern) and only its hash is stored.
func (s *Service) RequestPasswordReset(ctx context.Context, identity string) (string, error) {
	identity = strings.TrimSpace(strings.ToLower(identity))
	if identity == "" {
		return "", nil
	}

	raw, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate reset token id: %w", err)
	}

	now := time.Now().UTC()
	record := &ResetTokenRecord{
		ID:        id.String(),
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}

	member, err := s.store.MemberByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return "", nil
		}
		return "", err
	}

	record.MemberID = member.ID
	if err := s.store.CreateResetToken(ctx, record); err != nil {
		return "", err
	}

	return raw, nil
}

// ResetPassword consumes a reset token exactly once. Success re-hashes the
// password, clears lockout state, and invalidates every access token issued
// before the reset.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrResetTokenNotFound
	}
	if newPassword == "" {
		return ErrInvalidCredentials
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}

	_, err = s.store.ConsumeResetToken(ctx, hashToken(rawToken), newHash, time.Now().UTC())
	return err
}

// UnlockAccount lifts a lockout directly. Admin-only at the route layer.
func (s *Service) UnlockAccount(ctx context.Context, memberID string) error {
	return s.store.ClearLockout(ctx, memberID)
}

// MemberByID exposes the credential record to collaborators (profile routes).
func (s *Service) MemberByID(ctx context.Context, memberID string) (*Member, error) {
	return s.store.MemberByID(ctx, memberID)
}

func (s *Service) PruneRevoked(ctx context.Context) (int64, error) {
	return s.revocations.Prune(ctx)
}

func (s *Service) issueResult(memberID, role string) (*TokenResult, error) {
	token, _, err := s.issuer.Issue(memberID, role)
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.issuer.TTL().Seconds()),
		MemberID:    memberID,
		Role:        role,
	}, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
