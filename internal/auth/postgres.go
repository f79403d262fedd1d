package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresStore persists members, lockout state and reset tokens. Counter
// updates run under SELECT ... FOR UPDATE so concurrent failed logins
// serialize on the member row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateMember(ctx context.Context, member *Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, username, email, password_hash, role, first_name, last_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, member.ID, member.Username, member.Email, member.PasswordHash, member.Role,
		member.FirstName, member.LastName, member.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

const memberColumns = `
	id, username, email, password_hash, role, first_name, last_name,
	failed_attempts, locked_until, tokens_valid_after, created_at, updated_at`

func (s *PostgresStore) MemberByID(ctx context.Context, id string) (*Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE id = $1
	`, id))
}

func (s *PostgresStore) MemberByIdentity(ctx context.Context, identity string) (*Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE username = $1 OR email = $1
	`, identity))
}

func (s *PostgresStore) scanMember(row *sql.Row) (*Member, error) {
	var member Member
	var firstName, lastName sql.NullString
	var lockedUntil, tokensValidAfter sql.NullTime

	err := row.Scan(
		&member.ID, &member.Username, &member.Email, &member.PasswordHash, &member.Role,
		&firstName, &lastName,
		&member.FailedAttempts, &lockedUntil, &tokensValidAfter,
		&member.CreatedAt, &member.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("query member: %w", err)
	}

	member.FirstName = firstName.String
	member.LastName = lastName.String
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		member.LockedUntil = &value
	}
	if tokensValidAfter.Valid {
		value := tokensValidAfter.Time.UTC()
		member.TokensValidAfter = &value
	}

	return &member, nil
}

func (s *PostgresStore) RegisterFailedAttempt(ctx context.Context, memberID string, threshold int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed attempt tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM members
		WHERE id = $1
		FOR UPDATE
	`, memberID).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("lock member row: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= threshold {
		until := now.UTC().Add(lockFor)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE members
		SET failed_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, memberID, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("update failed attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed attempt tx: %w", err)
	}

	return nextLock, nil
}

func (s *PostgresStore) ClearLockout(ctx context.Context, memberID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members
		SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`, memberID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, memberID, passwordHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members
		SET password_hash = $2,
		    tokens_valid_after = $3,
		    failed_attempts = 0,
		    locked_until = NULL,
		    updated_at = $3
		WHERE id = $1
	`, memberID, passwordHash, now.UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (s *PostgresStore) CreateResetToken(ctx context.Context, record *ResetTokenRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset token tx: %w", err)
	}
	defer tx.Rollback()

	// Issuing a new token retires every outstanding one for the member.
	_, err = tx.ExecContext(ctx, `
		UPDATE auth_password_reset_tokens
		SET consumed_at = $2
		WHERE member_id = $1 AND consumed_at IS NULL
	`, record.MemberID, record.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("retire prior reset tokens: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_password_reset_tokens (id, member_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, record.ID, record.MemberID, record.TokenHash, record.ExpiresAt.UTC(), record.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset token tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin consume reset tx: %w", err)
	}
	defer tx.Rollback()

	var id, memberID string
	var expiresAt time.Time
	var consumedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, member_id, expires_at, consumed_at
		FROM auth_password_reset_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, tokenHash).Scan(&id, &memberID, &expiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrResetTokenNotFound
		}
		return "", fmt.Errorf("read reset token: %w", err)
	}

	if consumedAt.Valid {
		return "", ErrResetTokenAlreadyUsed
	}
	if now.After(expiresAt.UTC()) {
		return "", ErrResetTokenExpired
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_password_reset_tokens
		SET consumed_at = $2
		WHERE id = $1
	`, id, now.UTC())
	if err != nil {
		return "", fmt.Errorf("mark reset token consumed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE members
		SET password_hash = $2,
		    tokens_valid_after = $3,
		    failed_attempts = 0,
		    locked_until = NULL,
		    updated_at = $3
		WHERE id = $1
	`, memberID, newPasswordHash, now.UTC())
	if err != nil {
		return "", fmt.Errorf("apply reset password: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit consume reset tx: %w", err)
	}

	return memberID, nil
}

func (s *PostgresStore) PruneResetTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_password_reset_tokens
			WHERE expires_at < NOW() OR (consumed_at IS NOT NULL AND consumed_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_password_reset_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale reset tokens rows affected: %w", err)
	}
	return affected, nil
}

// PostgresRevocationStore keeps revoked token IDs in a table mirroring each
// token's natural expiry, so entries can be pruned once redundant. Used when
// no Redis URL is configured.
type PostgresRevocationStore struct {
	db        *sql.DB
	batchSize int
}

func NewPostgresRevocationStore(db *sql.DB, batchSize int) *PostgresRevocationStore {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &PostgresRevocationStore{db: db, batchSize: batchSize}
}

func (s *PostgresRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (token_id, expires_at, revoked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id) DO NOTHING
	`, tokenID, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}
	return nil
}

func (s *PostgresRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM auth_revoked_tokens WHERE token_id = $1)
	`, tokenID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

func (s *PostgresRevocationStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT token_id
			FROM auth_revoked_tokens
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM auth_revoked_tokens t
		USING stale
		WHERE t.token_id = stale.token_id
	`, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired revoked tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired revoked tokens rows affected: %w", err)
	}
	return affected, nil
}
