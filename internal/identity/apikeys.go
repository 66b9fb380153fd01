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

func (s *Store) CreateAPIKey(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, userID uuid.UUID, keyHash, name string, expiresAt *time.Time) (APIKey, error) {
	if err := validate.Hash("key_hash", keyHash, false); err != nil {
		return APIKey{}, err
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO api_keys (id, namespace, user_id, key_hash, name, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, namespace, user_id, key_hash, name, expires_at, revoked_at, last_used_at, created_at`,
		dbctx.ToPGUUID(id), namespace, dbctx.ToPGUUID(userID), keyHash, nullIfEmpty(name), dbctx.ToPGTimestamptzPtr(expiresAt))
	k, err := scanAPIKey(row)
	if err != nil {
		return APIKey{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "api_key_created",
		ResourceType: "api_key", ResourceID: k.ID.String(),
	}); err != nil {
		return APIKey{}, err
	}
	return k, nil
}

// ValidateAPIKey enforces revoked_at IS NULL, not-expired, and owning
// user not disabled in the same statement that bumps last_used_at, per
// spec §4.3. Returns the zero APIKey and no error when no key matches.
func (s *Store) ValidateAPIKey(ctx context.Context, namespace, keyHash string) (APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE api_keys k SET last_used_at = now()
		FROM users u
		WHERE k.namespace = $1 AND k.key_hash = $2 AND u.id = k.user_id
			AND k.revoked_at IS NULL
			AND (k.expires_at IS NULL OR k.expires_at > now())
			AND u.disabled_at IS NULL
		RETURNING k.id, k.namespace, k.user_id, k.key_hash, k.name, k.expires_at, k.revoked_at, k.last_used_at, k.created_at`,
		namespace, keyHash)
	k, err := scanAPIKey(row)
	if err == pgx.ErrNoRows {
		return APIKey{}, nil
	}
	return k, err
}

func (s *Store) RevokeAPIKey(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE namespace = $1 AND id = $2 AND revoked_at IS NULL`,
		namespace, dbctx.ToPGUUID(id))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "api_key_revoked",
		ResourceType: "api_key", ResourceID: id.String(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, namespace string, userID uuid.UUID) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace, user_id, key_hash, name, expires_at, revoked_at, last_used_at, created_at
		FROM api_keys WHERE namespace = $1 AND user_id = $2 ORDER BY created_at DESC`,
		namespace, dbctx.ToPGUUID(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		k.KeyHash = "" // never returned in list responses, spec §9
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanAPIKey(row pgx.Row) (APIKey, error) {
	var k APIKey
	var id, userID pgtype.UUID
	var name *string
	var expiresAt, revokedAt, lastUsedAt *time.Time
	if err := row.Scan(&id, &k.Namespace, &userID, &k.KeyHash, &name, &expiresAt, &revokedAt, &lastUsedAt, &k.CreatedAt); err != nil {
		return APIKey{}, err
	}
	k.ID, k.UserID = dbctx.FromPGUUID(id), dbctx.FromPGUUID(userID)
	if name != nil {
		k.Name = *name
	}
	k.ExpiresAt, k.RevokedAt, k.LastUsedAt = expiresAt, revokedAt, lastUsedAt
	return k, nil
}
