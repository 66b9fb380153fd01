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

// CreateSession stores a session valid for duration (default_duration
// when duration <= 0).
func (s *Store) CreateSession(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, userID uuid.UUID, tokenHash string, duration time.Duration, ipAddress, userAgent string) (Session, error) {
	if err := validate.Hash("token_hash", tokenHash, false); err != nil {
		return Session{}, err
	}
	if duration <= 0 {
		duration = 7 * 24 * time.Hour
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO sessions (id, namespace, user_id, token_hash, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, now() + $5::interval, $6, $7)
		RETURNING id, namespace, user_id, token_hash, expires_at, revoked_at, ip_address, user_agent, created_at`,
		dbctx.ToPGUUID(id), namespace, dbctx.ToPGUUID(userID), tokenHash, duration.String(),
		nullIfEmpty(ipAddress), nullIfEmpty(userAgent))
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "session_created",
		ResourceType: "session", ResourceID: sess.ID.String(),
	}); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ValidateSession is the hot path: no writes, per spec §4.3. Returns
// the zero ValidatedSession and no error when the session is absent or
// invalid; callers distinguish "not found" from "invalid" by checking
// the zero UserID.
func (s *Store) ValidateSession(ctx context.Context, namespace, tokenHash string) (ValidatedSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT s.user_id, u.email, s.id
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.namespace = $1 AND s.token_hash = $2
			AND s.revoked_at IS NULL AND s.expires_at > now() AND u.disabled_at IS NULL`,
		namespace, tokenHash)

	var userID, sessionID pgtype.UUID
	var email string
	if err := row.Scan(&userID, &email, &sessionID); err != nil {
		if err == pgx.ErrNoRows {
			return ValidatedSession{}, nil
		}
		return ValidatedSession{}, err
	}
	return ValidatedSession{UserID: dbctx.FromPGUUID(userID), Email: email, SessionID: dbctx.FromPGUUID(sessionID)}, nil
}

// ExtendSession updates expires_at only on a still-valid session, per
// spec §9's open question: it requires expires_at > now at call time.
func (s *Store) ExtendSession(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID, duration time.Duration) (bool, error) {
	if duration <= 0 {
		return false, validate.InvalidParam("duration", "must be positive")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET expires_at = now() + $3::interval
		WHERE namespace = $1 AND id = $2 AND revoked_at IS NULL AND expires_at > now()`,
		namespace, dbctx.ToPGUUID(id), duration.String())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "session_extended",
		ResourceType: "session", ResourceID: id.String(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RevokeSession(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE namespace = $1 AND id = $2 AND revoked_at IS NULL`,
		namespace, dbctx.ToPGUUID(id))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "session_revoked",
		ResourceType: "session", ResourceID: id.String(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeOtherSessions revokes every valid session of user except the
// excepted id, returning the count revoked.
func (s *Store) RevokeOtherSessions(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, userID, except uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET revoked_at = now()
		WHERE namespace = $1 AND user_id = $2 AND id <> $3 AND revoked_at IS NULL`,
		namespace, dbctx.ToPGUUID(userID), dbctx.ToPGUUID(except))
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "other_sessions_revoked",
		ResourceType: "user", ResourceID: userID.String(),
		Details: map[string]any{"revoked_count": n, "except_session_id": except.String()},
	}); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListSessions(ctx context.Context, namespace string, userID uuid.UUID) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace, user_id, token_hash, expires_at, revoked_at, ip_address, user_agent, created_at
		FROM sessions WHERE namespace = $1 AND user_id = $2 ORDER BY created_at DESC`,
		namespace, dbctx.ToPGUUID(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sess.TokenHash = "" // never returned in list responses, spec §9
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	var id, userID pgtype.UUID
	var revokedAt *time.Time
	var ip, ua *string
	if err := row.Scan(&id, &sess.Namespace, &userID, &sess.TokenHash, &sess.ExpiresAt, &revokedAt, &ip, &ua, &sess.CreatedAt); err != nil {
		return Session{}, err
	}
	sess.ID, sess.UserID, sess.RevokedAt = dbctx.FromPGUUID(id), dbctx.FromPGUUID(userID), revokedAt
	if ip != nil {
		sess.IPAddress = *ip
	}
	if ua != nil {
		sess.UserAgent = *ua
	}
	return sess, nil
}
