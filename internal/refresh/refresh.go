// Package refresh implements the refresh-token family rotation and
// reuse-detection protocol of spec §4.4, grounded on the teacher's
// internal/auth/token.go refresh-token handling generalized from a
// single-token-per-session model to the spec's family/generation chain.
package refresh

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/validate"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type Token struct {
	ID         uuid.UUID
	Namespace  string
	UserID     uuid.UUID
	SessionID  uuid.UUID
	TokenHash  string
	FamilyID   uuid.UUID
	Generation int
	ReplacedBy *uuid.UUID
	RevokedAt  *time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Rotated is the success result of rotate: a new current token plus
// the user/session it is bound to.
type Rotated struct {
	UserID     uuid.UUID
	SessionID  uuid.UUID
	NewID      uuid.UUID
	FamilyID   uuid.UUID
	Generation int
	ExpiresAt  time.Time
}

// Create inserts the first token of a new family (generation 1).
func (s *Store) Create(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, userID, sessionID uuid.UUID, tokenHash string, ttl time.Duration) (Token, error) {
	if err := validate.Hash("token_hash", tokenHash, false); err != nil {
		return Token{}, err
	}

	id, family := uuid.New(), uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO refresh_tokens (id, namespace, user_id, session_id, token_hash, family_id, generation, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now() + $7::interval)
		RETURNING id, namespace, user_id, session_id, token_hash, family_id, generation, replaced_by, revoked_at, expires_at, created_at`,
		dbctx.ToPGUUID(id), namespace, dbctx.ToPGUUID(userID), dbctx.ToPGUUID(sessionID), tokenHash, dbctx.ToPGUUID(family), ttl.String())
	t, err := scanToken(row)
	if err != nil {
		return Token{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "refresh_token_created",
		ResourceType: "refresh_token", ResourceID: t.ID.String(),
		Details: map[string]any{"family_id": t.FamilyID.String(), "generation": t.Generation},
	}); err != nil {
		return Token{}, err
	}
	return t, nil
}

// Rotate implements the 7-step contract of spec §4.4. It must run
// inside tx so steps 1–6 are atomic. Returns the zero Rotated and no
// error for every "empty" outcome the contract specifies (absent,
// reuse, revoked/expired, invalid session/user) — callers distinguish
// reuse from the other empties by checking the audit log, matching
// the spec's "returns new token info or empty" framing.
func (s *Store) Rotate(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, oldHash, newHash string, ttl time.Duration) (Rotated, error) {
	if err := validate.Hash("token_hash", newHash, false); err != nil {
		return Rotated{}, err
	}

	old, err := s.lockByHash(ctx, tx, namespace, oldHash)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Rotated{}, nil
		}
		return Rotated{}, err
	}

	if old.ReplacedBy != nil {
		revoked, rerr := s.revokeFamilyTx(ctx, tx, namespace, old.FamilyID)
		if rerr != nil {
			return Rotated{}, rerr
		}
		if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
			Namespace: namespace, EventType: "refresh_token_reuse_detected",
			ResourceType: "refresh_token", ResourceID: old.ID.String(),
			Details: map[string]any{"family_id": old.FamilyID.String(), "tokens_revoked": revoked},
		}); err != nil {
			return Rotated{}, err
		}
		return Rotated{}, nil
	}

	if old.RevokedAt != nil || !old.ExpiresAt.After(time.Now()) {
		return Rotated{}, nil
	}

	valid, err := s.sessionValid(ctx, tx, namespace, old.SessionID)
	if err != nil {
		return Rotated{}, err
	}
	if !valid {
		return Rotated{}, nil
	}

	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	newID := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO refresh_tokens (id, namespace, user_id, session_id, token_hash, family_id, generation, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now() + $8::interval)
		RETURNING expires_at`,
		dbctx.ToPGUUID(newID), namespace, dbctx.ToPGUUID(old.UserID), dbctx.ToPGUUID(old.SessionID),
		newHash, dbctx.ToPGUUID(old.FamilyID), old.Generation+1, ttl.String())
	var expiresAt time.Time
	if err := row.Scan(&expiresAt); err != nil {
		return Rotated{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET replaced_by = $3 WHERE namespace = $1 AND id = $2`,
		namespace, dbctx.ToPGUUID(old.ID), dbctx.ToPGUUID(newID)); err != nil {
		return Rotated{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "refresh_token_rotated",
		ResourceType: "refresh_token", ResourceID: newID.String(),
		Details: map[string]any{"family_id": old.FamilyID.String(), "generation": old.Generation + 1, "replaced": old.ID.String()},
	}); err != nil {
		return Rotated{}, err
	}

	return Rotated{
		UserID: old.UserID, SessionID: old.SessionID, NewID: newID,
		FamilyID: old.FamilyID, Generation: old.Generation + 1, ExpiresAt: expiresAt,
	}, nil
}

// RevokeFamily revokes every non-revoked token in family, returning the
// count revoked.
func (s *Store) RevokeFamily(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, familyID uuid.UUID) (int64, error) {
	n, err := s.revokeFamilyTx(ctx, tx, namespace, familyID)
	if err != nil || n == 0 {
		return n, err
	}
	return n, audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "refresh_token_family_revoked",
		ResourceType: "refresh_token_family", ResourceID: familyID.String(),
		Details: map[string]any{"tokens_revoked": n},
	})
}

// RevokeAllOfUser is a namespace-scoped sweep revoking every non-revoked
// refresh token belonging to a user, regardless of family.
func (s *Store) RevokeAllOfUser(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, userID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE namespace = $1 AND user_id = $2 AND revoked_at IS NULL`,
		namespace, dbctx.ToPGUUID(userID))
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	return n, audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "refresh_tokens_revoked_for_user",
		ResourceType: "user", ResourceID: userID.String(),
		Details: map[string]any{"tokens_revoked": n},
	})
}

func (s *Store) revokeFamilyTx(ctx context.Context, tx pgx.Tx, namespace string, familyID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE namespace = $1 AND family_id = $2 AND revoked_at IS NULL`,
		namespace, dbctx.ToPGUUID(familyID))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) sessionValid(ctx context.Context, tx pgx.Tx, namespace string, sessionID uuid.UUID) (bool, error) {
	var valid bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sessions s JOIN users u ON u.id = s.user_id
			WHERE s.namespace = $1 AND s.id = $2
				AND s.revoked_at IS NULL AND s.expires_at > now() AND u.disabled_at IS NULL
		)`, namespace, dbctx.ToPGUUID(sessionID)).Scan(&valid)
	return valid, err
}

// lockByHash locates the token row and takes a row lock for the
// duration of tx, so concurrent rotations of the same token serialize
// per spec §5's linearizability guarantee.
func (s *Store) lockByHash(ctx context.Context, tx pgx.Tx, namespace, hash string) (Token, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, namespace, user_id, session_id, token_hash, family_id, generation, replaced_by, revoked_at, expires_at, created_at
		FROM refresh_tokens WHERE namespace = $1 AND token_hash = $2 FOR UPDATE`, namespace, hash)
	return scanToken(row)
}

func scanToken(row pgx.Row) (Token, error) {
	var t Token
	var id, userID, sessionID, familyID pgtype.UUID
	var replacedBy pgtype.UUID
	var revokedAt *time.Time
	if err := row.Scan(&id, &t.Namespace, &userID, &sessionID, &t.TokenHash, &familyID, &t.Generation, &replacedBy, &revokedAt, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return Token{}, err
	}
	t.ID, t.UserID, t.SessionID, t.FamilyID = dbctx.FromPGUUID(id), dbctx.FromPGUUID(userID), dbctx.FromPGUUID(sessionID), dbctx.FromPGUUID(familyID)
	t.RevokedAt = revokedAt
	if replacedBy.Valid {
		rb := dbctx.FromPGUUID(replacedBy)
		t.ReplacedBy = &rb
	}
	return t, nil
}
