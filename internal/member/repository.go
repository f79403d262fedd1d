package member

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("member not found")

type Record struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// List returns members for the admin dashboard, optionally filtered by role
// and by lock status ("locked" or "unlocked").
func (r *Repository) List(ctx context.Context, role, status string, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, username, email, role, first_name, last_name,
		       failed_attempts, locked_until, created_at
		FROM members
		WHERE ($1 = '' OR role = $1)
		  AND ($2 = '' OR
		       ($2 = 'locked' AND locked_until IS NOT NULL AND locked_until > NOW()) OR
		       ($2 = 'unlocked' AND (locked_until IS NULL OR locked_until <= NOW())))
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.QueryContext(ctx, query, role, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var firstName, lastName sql.NullString
		var lockedUntil sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.Username, &rec.Email, &rec.Role,
			&firstName, &lastName,
			&rec.FailedAttempts, &lockedUntil, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		rec.FirstName = firstName.String
		rec.LastName = lastName.String
		if lockedUntil.Valid {
			value := lockedUntil.Time.UTC()
			rec.LockedUntil = &value
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}

	return records, nil
}

func (r *Repository) UpdateRole(ctx context.Context, memberID, role string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE members
		SET role = $2, updated_at = $3
		WHERE id = $1
	`, memberID, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}
