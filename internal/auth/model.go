package auth

import "time"

const (
	RoleAdmin   = "admin"
	RoleTrainer = "trainer"
	RoleMember  = "member"
)

// ValidRole reports whether role belongs to the closed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleTrainer, RoleMember:
		return true
	}
	return false
}

type Member struct {
	ID               string
	Username         string
	Email            string
	PasswordHash     string
	Role             string
	FirstName        string
	LastName         string
	FailedAttempts   int
	LockedUntil      *time.Time
	TokensValidAfter *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (m *Member) Locked(now time.Time) bool {
	return m.LockedUntil != nil && now.Before(*m.LockedUntil)
}

// TokenResult is the JSON body returned by login and refresh.
type TokenResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	MemberID    string `json:"member_id"`
	Role        string `json:"role"`
}

// Identity is what an authenticated request carries: the verified subject,
// its role, and the identifier of the exact token that proved it.
type Identity struct {
	MemberID string
	Role     string
	TokenID  string
}

type ResetTokenRecord struct {
	ID         string
	MemberID   string
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}
