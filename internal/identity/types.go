// Package identity implements spec §4.3: users, credentials, sessions,
// one-time tokens, API keys, MFA enrolments, and login-attempt lockout.
// The caller owns all cryptography (password hashing, TOTP verification,
// token generation); every hash-shaped field here is an opaque string
// this package stores and compares, never computes, grounded on the
// teacher's internal/auth/service.go, session_service.go, user_service.go.
package identity

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pool for read-only/hot-path calls; mutations are driven
// through the *pgx.Tx variants (methods taking a tx explicitly) so every
// mutating operation composes into the caller's single transaction, per
// spec §2's control-flow contract.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// User's PasswordHash is left empty by every read that returns a User;
// GetCredentials is the read that returns the hash.
type User struct {
	ID              uuid.UUID
	Namespace       string
	Email           string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	DisabledAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Credentials struct {
	UserID       uuid.UUID
	PasswordHash string
	DisabledAt   *time.Time
}

type Session struct {
	ID        uuid.UUID
	Namespace string
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

type ValidatedSession struct {
	UserID    uuid.UUID
	Email     string
	SessionID uuid.UUID
}

type TokenType string

const (
	TokenPasswordReset TokenType = "password_reset"
	TokenEmailVerify   TokenType = "email_verify"
	TokenMagicLink     TokenType = "magic_link"
)

func DefaultTokenTTL(t TokenType) time.Duration {
	switch t {
	case TokenPasswordReset:
		return time.Hour
	case TokenEmailVerify:
		return 24 * time.Hour
	case TokenMagicLink:
		return 15 * time.Minute
	default:
		return time.Hour
	}
}

type OneTimeToken struct {
	ID        uuid.UUID
	Namespace string
	UserID    uuid.UUID
	TokenHash string
	TokenType TokenType
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type ConsumedToken struct {
	UserID uuid.UUID
	Email  string
}

type APIKey struct {
	ID         uuid.UUID
	Namespace  string
	UserID     uuid.UUID
	KeyHash    string
	Name       string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

type MFAType string

const (
	MFATOTP          MFAType = "totp"
	MFAWebAuthn      MFAType = "webauthn"
	MFARecoveryCodes MFAType = "recovery_codes"
)

type MFAEnrolment struct {
	ID         uuid.UUID
	Namespace  string
	UserID     uuid.UUID
	MFAType    MFAType
	Secret     string
	Name       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

type LoginAttempt struct {
	Namespace   string
	Email       string
	Success     bool
	IPAddress   string
	AttemptedAt time.Time
}
