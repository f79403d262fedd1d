package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store. It backs the test suites
// and local runs without a database; production uses PostgresStore.
type MemoryStore struct {
	mu          sync.Mutex
	members     map[string]*Member
	byUsername  map[string]string
	byEmail     map[string]string
	resetTokens map[string]*ResetTokenRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:     make(map[string]*Member),
		byUsername:  make(map[string]string),
		byEmail:     make(map[string]string),
		resetTokens: make(map[string]*ResetTokenRecord),
	}
}

func (s *MemoryStore) CreateMember(ctx context.Context, member *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUsername[member.Username]; exists {
		return ErrDuplicateCredential
	}
	if _, exists := s.byEmail[member.Email]; exists {
		return ErrDuplicateCredential
	}

	clone := *member
	s.members[member.ID] = &clone
	s.byUsername[member.Username] = member.ID
	s.byEmail[member.Email] = member.ID
	return nil
}

func (s *MemoryStore) MemberByID(ctx context.Context, id string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, exists := s.members[id]
	if !exists {
		return nil, ErrMemberNotFound
	}
	clone := *member
	return &clone, nil
}

func (s *MemoryStore) MemberByIdentity(ctx context.Context, identity string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.byUsername[identity]
	if !exists {
		id, exists = s.byEmail[identity]
	}
	if !exists {
		return nil, ErrMemberNotFound
	}
	clone := *s.members[id]
	return &clone, nil
}

func (s *MemoryStore) RegisterFailedAttempt(ctx context.Context, memberID string, threshold int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, exists := s.members[memberID]
	if !exists {
		return nil, ErrMemberNotFound
	}

	if member.LockedUntil != nil {
		if now.Before(*member.LockedUntil) {
			until := *member.LockedUntil
			return &until, nil
		}
		member.LockedUntil = nil
	}

	member.FailedAttempts++
	member.UpdatedAt = now
	if member.FailedAttempts >= threshold {
		until := now.Add(lockFor)
		member.LockedUntil = &until
		member.FailedAttempts = 0
		copied := until
		return &copied, nil
	}

	return nil, nil
}

func (s *MemoryStore) ClearLockout(ctx context.Context, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, exists := s.members[memberID]
	if !exists {
		return ErrMemberNotFound
	}
	member.FailedAttempts = 0
	member.LockedUntil = nil
	return nil
}

func (s *MemoryStore) UpdatePassword(ctx context.Context, memberID, passwordHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, exists := s.members[memberID]
	if !exists {
		return ErrMemberNotFound
	}
	member.PasswordHash = passwordHash
	validAfter := now
	member.TokensValidAfter = &validAfter
	member.FailedAttempts = 0
	member.LockedUntil = nil
	member.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateResetToken(ctx context.Context, record *ResetTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.resetTokens {
		if existing.MemberID == record.MemberID && existing.ConsumedAt == nil {
			consumed := record.CreatedAt
			existing.ConsumedAt = &consumed
		}
	}

	clone := *record
	s.resetTokens[record.TokenHash] = &clone
	return nil
}

func (s *MemoryStore) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	s.mu.Lock()

	record, exists := s.resetTokens[tokenHash]
	if !exists {
		s.mu.Unlock()
		return "", ErrResetTokenNotFound
	}
	if record.ConsumedAt != nil {
		s.mu.Unlock()
		return "", ErrResetTokenAlreadyUsed
	}
	if now.After(record.ExpiresAt) {
		s.mu.Unlock()
		return "", ErrResetTokenExpired
	}

	consumed := now
	record.ConsumedAt = &consumed
	memberID := record.MemberID
	s.mu.Unlock()

	if err := s.UpdatePassword(ctx, memberID, newPasswordHash, now); err != nil {
		return "", err
	}
	return memberID, nil
}

func (s *MemoryStore) PruneResetTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for hash, record := range s.resetTokens {
		if batchSize > 0 && removed >= int64(batchSize) {
			break
		}
		expired := time.Now().UTC().After(record.ExpiresAt)
		staleConsumed := record.ConsumedAt != nil && record.ConsumedAt.Before(cutoff)
		if expired || staleConsumed {
			delete(s.resetTokens, hash)
			removed++
		}
	}
	return removed, nil
}
