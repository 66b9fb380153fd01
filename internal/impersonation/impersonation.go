// Package impersonation implements spec §4.5: regular sessions-as-
// impersonation and cross-namespace operator impersonation. Mechanism
// only — the caller's policy decides who may invoke these functions.
package impersonation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/identity"
	"github.com/lavente-platform/iam-core/internal/validate"
)

type Store struct {
	pool     *pgxpool.Pool
	identity *identity.Store
}

func NewStore(pool *pgxpool.Pool, identityStore *identity.Store) *Store {
	return &Store{pool: pool, identity: identityStore}
}

type Session struct {
	ID                      uuid.UUID
	Namespace               string
	ActorID                 uuid.UUID
	TargetUserID            uuid.UUID
	OriginalSessionID       uuid.UUID
	ImpersonationSessionID  uuid.UUID
	Reason                  string
	StartedAt               time.Time
	ExpiresAt               time.Time
	EndedAt                 *time.Time
}

type Context struct {
	IsImpersonating bool
	ActorID         uuid.UUID
	TargetUserID    uuid.UUID
	Reason          string
	ExpiresAt       time.Time
}

// StartImpersonation implements spec §4.5's precondition list in order
// and creates the bound session + record atomically.
func (s *Store) StartImpersonation(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, actorSessionID, targetUserID uuid.UUID, tokenHash, reason string, duration, maxDuration time.Duration) (Session, error) {
	if strings.TrimSpace(reason) == "" {
		return Session{}, validate.InvalidParam("reason", "must not be empty")
	}
	if duration <= 0 || duration > maxDuration {
		return Session{}, validate.InvalidParam("duration", "must be in (0, max_impersonation_duration]")
	}

	var actorUserIDPG pgtype.UUID
	var valid bool
	if err := tx.QueryRow(ctx, `
		SELECT s.user_id, (s.revoked_at IS NULL AND s.expires_at > now() AND u.disabled_at IS NULL)
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.namespace = $1 AND s.id = $2`, namespace, dbctx.ToPGUUID(actorSessionID)).
		Scan(&actorUserIDPG, &valid); err != nil {
		if err == pgx.ErrNoRows {
			return Session{}, validate.InvalidParam("actor_session", "not found")
		}
		return Session{}, err
	}
	actorUserID := dbctx.FromPGUUID(actorUserIDPG)
	if !valid {
		return Session{}, validate.InvalidParam("actor_session", "is not a valid session")
	}

	if actorUserID == targetUserID {
		return Session{}, validate.InvalidParam("target_user_id", "cannot impersonate self")
	}

	var chained bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM impersonation_sessions WHERE namespace = $1 AND impersonation_session_id = $2 AND ended_at IS NULL)`,
		namespace, dbctx.ToPGUUID(actorSessionID)).Scan(&chained); err != nil {
		return Session{}, err
	}
	if chained {
		return Session{}, validate.InvalidParam("actor_session", "cannot start impersonation from an impersonation session")
	}

	var targetDisabledAt *time.Time
	if err := tx.QueryRow(ctx, `SELECT disabled_at FROM users WHERE namespace = $1 AND id = $2`,
		namespace, dbctx.ToPGUUID(targetUserID)).Scan(&targetDisabledAt); err != nil {
		if err == pgx.ErrNoRows {
			return Session{}, validate.InvalidParam("target_user_id", "target user not found")
		}
		return Session{}, err
	}
	if targetDisabledAt != nil {
		return Session{}, validate.InvalidParam("target_user_id", "target user is disabled")
	}

	newSession, err := s.identity.CreateSession(ctx, tx, actor, namespace, targetUserID, tokenHash, duration, "", "impersonation")
	if err != nil {
		return Session{}, err
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO impersonation_sessions (id, namespace, actor_id, target_user_id, original_session_id, impersonation_session_id, reason, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now() + $8::interval)
		RETURNING id, namespace, actor_id, target_user_id, original_session_id, impersonation_session_id, reason, started_at, expires_at, ended_at`,
		dbctx.ToPGUUID(id), namespace, dbctx.ToPGUUID(actorUserID), dbctx.ToPGUUID(targetUserID),
		dbctx.ToPGUUID(actorSessionID), dbctx.ToPGUUID(newSession.ID), reason, duration.String())
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "impersonation_started",
		ResourceType: "impersonation_session", ResourceID: sess.ID.String(),
		Details: map[string]any{
			"actor_id": actorUserID.String(), "target_user_id": targetUserID.String(),
			"reason": reason, "expires_at": sess.ExpiresAt,
		},
	}); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) EndImpersonation(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID) (bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT impersonation_session_id FROM impersonation_sessions
		WHERE namespace = $1 AND id = $2 AND ended_at IS NULL FOR UPDATE`, namespace, dbctx.ToPGUUID(id))
	var sessionIDPG pgtype.UUID
	if err := row.Scan(&sessionIDPG); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	sessionID := dbctx.FromPGUUID(sessionIDPG)

	if _, err := tx.Exec(ctx, `UPDATE impersonation_sessions SET ended_at = now() WHERE namespace = $1 AND id = $2`,
		namespace, dbctx.ToPGUUID(id)); err != nil {
		return false, err
	}
	if _, err := s.identity.RevokeSession(ctx, tx, actor, namespace, sessionID); err != nil {
		return false, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "impersonation_ended",
		ResourceType: "impersonation_session", ResourceID: id.String(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// GetImpersonationContext is a pure read, filtered for not-ended,
// not-expired, not-revoked, actor/target-not-disabled.
func (s *Store) GetImpersonationContext(ctx context.Context, namespace string, sessionID uuid.UUID) (Context, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT i.actor_id, i.target_user_id, i.reason, i.expires_at
		FROM impersonation_sessions i
		JOIN sessions s ON s.id = i.impersonation_session_id
		JOIN users actorU ON actorU.id = i.actor_id
		JOIN users targetU ON targetU.id = i.target_user_id
		WHERE i.namespace = $1 AND i.impersonation_session_id = $2
			AND i.ended_at IS NULL AND i.expires_at > now()
			AND s.revoked_at IS NULL
			AND actorU.disabled_at IS NULL AND targetU.disabled_at IS NULL`,
		namespace, dbctx.ToPGUUID(sessionID))

	var actorIDPG, targetIDPG pgtype.UUID
	var reason string
	var expiresAt time.Time
	if err := row.Scan(&actorIDPG, &targetIDPG, &reason, &expiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return Context{}, nil
		}
		return Context{}, err
	}
	return Context{
		IsImpersonating: true, ActorID: dbctx.FromPGUUID(actorIDPG), TargetUserID: dbctx.FromPGUUID(targetIDPG),
		Reason: reason, ExpiresAt: expiresAt,
	}, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	var id, actorID, targetID, origSess, impSess pgtype.UUID
	var endedAt *time.Time
	if err := row.Scan(&id, &sess.Namespace, &actorID, &targetID, &origSess, &impSess, &sess.Reason, &sess.StartedAt, &sess.ExpiresAt, &endedAt); err != nil {
		return Session{}, err
	}
	sess.ID = dbctx.FromPGUUID(id)
	sess.ActorID = dbctx.FromPGUUID(actorID)
	sess.TargetUserID = dbctx.FromPGUUID(targetID)
	sess.OriginalSessionID = dbctx.FromPGUUID(origSess)
	sess.ImpersonationSessionID = dbctx.FromPGUUID(impSess)
	sess.EndedAt = endedAt
	return sess, nil
}
