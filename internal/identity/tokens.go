package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/validate"
)

func (s *Store) CreateToken(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, userID uuid.UUID, tokenHash string, tokenType TokenType, ttl time.Duration) (OneTimeToken, error) {
	if err := validate.Hash("token_hash", tokenHash, false); err != nil {
		return OneTimeToken{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL(tokenType)
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO one_time_tokens (id, namespace, user_id, token_hash, token_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6::interval)
		RETURNING id, namespace, user_id, token_hash, token_type, expires_at, used_at, created_at`,
		dbctx.ToPGUUID(id), namespace, dbctx.ToPGUUID(userID), tokenHash, string(tokenType), ttl.String())
	t, err := scanToken(row)
	if err != nil {
		return OneTimeToken{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "token_created",
		ResourceType: "one_time_token", ResourceID: t.ID.String(),
		Details: map[string]any{"token_type": string(tokenType)},
	}); err != nil {
		return OneTimeToken{}, err
	}
	return t, nil
}

// ConsumeToken atomically marks a matching, unused, unexpired token as
// used via a single UPDATE-with-RETURNING, per spec §4.3. Returns the
// zero ConsumedToken and no error when no matching token exists —
// consuming twice yields empty the second time, per spec §8's
// round-trip law.
func (s *Store) ConsumeToken(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, tokenHash string, tokenType TokenType) (ConsumedToken, error) {
	row := tx.QueryRow(ctx, `
		UPDATE one_time_tokens t SET used_at = now()
		FROM users u
		WHERE t.namespace = $1 AND t.token_hash = $2 AND t.token_type = $3
			AND t.used_at IS NULL AND t.expires_at > now()
			AND u.id = t.user_id
		RETURNING t.user_id, u.email`,
		namespace, tokenHash, string(tokenType))

	var userID pgtype.UUID
	var email string
	if err := row.Scan(&userID, &email); err != nil {
		if err == pgx.ErrNoRows {
			return ConsumedToken{}, nil
		}
		return ConsumedToken{}, err
	}
	ct := ConsumedToken{UserID: dbctx.FromPGUUID(userID), Email: email}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "token_consumed",
		ResourceType: "one_time_token", ResourceID: "",
		Details: map[string]any{"token_type": string(tokenType), "user_id": ct.UserID.String()},
	}); err != nil {
		return ConsumedToken{}, err
	}
	return ct, nil
}

// VerifyEmail consumes an email_verify token then sets email_verified_at.
func (s *Store) VerifyEmail(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, tokenHash string) (ConsumedToken, error) {
	ct, err := s.ConsumeToken(ctx, tx, actor, namespace, tokenHash, TokenEmailVerify)
	if err != nil || ct.UserID == uuid.Nil {
		return ct, err
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET email_verified_at = now(), updated_at = now() WHERE namespace = $1 AND id = $2`,
		namespace, dbctx.ToPGUUID(ct.UserID)); err != nil {
		return ConsumedToken{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "email_verified",
		ResourceType: "user", ResourceID: ct.UserID.String(),
	}); err != nil {
		return ConsumedToken{}, err
	}
	return ct, nil
}

func scanToken(row pgx.Row) (OneTimeToken, error) {
	var t OneTimeToken
	var id, userID pgtype.UUID
	var tokenType string
	var usedAt *time.Time
	if err := row.Scan(&id, &t.Namespace, &userID, &t.TokenHash, &tokenType, &t.ExpiresAt, &usedAt, &t.CreatedAt); err != nil {
		return OneTimeToken{}, err
	}
	t.ID, t.UserID, t.TokenType, t.UsedAt = dbctx.FromPGUUID(id), dbctx.FromPGUUID(userID), TokenType(tokenType), usedAt
	return t, nil
}
