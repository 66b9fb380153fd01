package impersonation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/validate"
)

// OperatorSession is the cross-namespace analogue of Session: no FK to
// users, email snapshots persisted at start time, per spec §4.5(a)(b).
type OperatorSession struct {
	ID                     uuid.UUID
	OperatorNamespace      string
	OperatorActorID        uuid.UUID
	OperatorEmail          string
	TargetNamespace        string
	TargetUserID           uuid.UUID
	TargetUserEmail        string
	OriginalSessionID      uuid.UUID
	ImpersonationSessionID uuid.UUID
	Reason                 string
	TicketReference        string
	StartedAt              time.Time
	ExpiresAt              time.Time
	EndedAt                *time.Time
}

// StartOperatorImpersonation mirrors StartImpersonation with the
// cross-namespace differences of spec §4.5: the actor session may live
// in any namespace, operator/target emails are snapshotted, and
// chaining is blocked against both impersonation tables.
func (s *Store) StartOperatorImpersonation(ctx context.Context, tx pgx.Tx, actor actorctx.Context, operatorNamespace string, operatorSessionID uuid.UUID, targetNamespace string, targetUserID uuid.UUID, tokenHash, reason, ticketReference string, duration, maxDuration time.Duration) (OperatorSession, error) {
	if strings.TrimSpace(reason) == "" {
		return OperatorSession{}, validate.InvalidParam("reason", "must not be empty")
	}
	if duration <= 0 || duration > maxDuration {
		return OperatorSession{}, validate.InvalidParam("duration", "must be in (0, operator_impersonation_max_duration]")
	}

	var operatorUserIDPG pgtype.UUID
	var operatorEmail string
	var valid bool
	if err := tx.QueryRow(ctx, `
		SELECT s.user_id, u.email, (s.revoked_at IS NULL AND s.expires_at > now() AND u.disabled_at IS NULL)
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.namespace = $1 AND s.id = $2`, operatorNamespace, dbctx.ToPGUUID(operatorSessionID)).
		Scan(&operatorUserIDPG, &operatorEmail, &valid); err != nil {
		if err == pgx.ErrNoRows {
			return OperatorSession{}, validate.InvalidParam("operator_session", "not found")
		}
		return OperatorSession{}, err
	}
	if !valid {
		return OperatorSession{}, validate.InvalidParam("operator_session", "is not a valid session")
	}
	operatorUserID := dbctx.FromPGUUID(operatorUserIDPG)

	var chained bool
	if err := tx.QueryRow(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM impersonation_sessions WHERE impersonation_session_id = $1 AND ended_at IS NULL)
			OR EXISTS(SELECT 1 FROM operator_impersonation_sessions WHERE impersonation_session_id = $1 AND ended_at IS NULL)`,
		dbctx.ToPGUUID(operatorSessionID)).Scan(&chained); err != nil {
		return OperatorSession{}, err
	}
	if chained {
		return OperatorSession{}, validate.InvalidParam("operator_session", "cannot start impersonation from an impersonation session")
	}

	var targetEmail string
	var targetDisabled *time.Time
	if err := tx.QueryRow(ctx, `SELECT email, disabled_at FROM users WHERE namespace = $1 AND id = $2`,
		targetNamespace, dbctx.ToPGUUID(targetUserID)).Scan(&targetEmail, &targetDisabled); err != nil {
		if err == pgx.ErrNoRows {
			return OperatorSession{}, validate.InvalidParam("target_user_id", "target user not found")
		}
		return OperatorSession{}, err
	}
	if targetDisabled != nil {
		return OperatorSession{}, validate.InvalidParam("target_user_id", "target user is disabled")
	}
	if operatorNamespace == targetNamespace && operatorUserID == targetUserID {
		return OperatorSession{}, validate.InvalidParam("target_user_id", "cannot impersonate self")
	}

	if err := validate.Hash("token_hash", tokenHash, false); err != nil {
		return OperatorSession{}, err
	}
	newSessionID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, namespace, user_id, token_hash, expires_at, user_agent)
		VALUES ($1, $2, $3, $4, now() + $5::interval, 'operator-impersonation')`,
		dbctx.ToPGUUID(newSessionID), targetNamespace, dbctx.ToPGUUID(targetUserID), tokenHash, duration.String()); err != nil {
		return OperatorSession{}, err
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO operator_impersonation_sessions (
			id, operator_namespace, operator_actor_id, operator_email,
			target_namespace, target_user_id, target_user_email,
			original_session_id, impersonation_session_id, reason, ticket_reference, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now() + $12::interval)
		RETURNING id, operator_namespace, operator_actor_id, operator_email, target_namespace, target_user_id,
			target_user_email, original_session_id, impersonation_session_id, reason, ticket_reference,
			started_at, expires_at, ended_at`,
		dbctx.ToPGUUID(id), operatorNamespace, dbctx.ToPGUUID(operatorUserID), operatorEmail,
		targetNamespace, dbctx.ToPGUUID(targetUserID), targetEmail,
		dbctx.ToPGUUID(operatorSessionID), dbctx.ToPGUUID(newSessionID), reason, nullIfEmpty(ticketReference), duration.String())
	sess, err := scanOperatorSession(row)
	if err != nil {
		return OperatorSession{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainOperator, actor, audit.Event{
		Namespace: targetNamespace, EventType: "operator_impersonation_started",
		ResourceType: "operator_impersonation_session", ResourceID: sess.ID.String(),
		Details: map[string]any{
			"operator_namespace": operatorNamespace, "operator_actor_id": operatorUserID.String(),
			"target_namespace": targetNamespace, "target_user_id": targetUserID.String(), "reason": reason,
		},
	}); err != nil {
		return OperatorSession{}, err
	}
	return sess, nil
}

func (s *Store) EndOperatorImpersonation(ctx context.Context, tx pgx.Tx, actor actorctx.Context, id uuid.UUID) (bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT target_namespace, impersonation_session_id FROM operator_impersonation_sessions
		WHERE id = $1 AND ended_at IS NULL FOR UPDATE`, dbctx.ToPGUUID(id))
	var targetNamespace string
	var sessionIDPG pgtype.UUID
	if err := row.Scan(&targetNamespace, &sessionIDPG); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	sessionID := dbctx.FromPGUUID(sessionIDPG)

	if _, err := tx.Exec(ctx, `UPDATE operator_impersonation_sessions SET ended_at = now() WHERE id = $1`, dbctx.ToPGUUID(id)); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE namespace = $1 AND id = $2 AND revoked_at IS NULL`,
		targetNamespace, dbctx.ToPGUUID(sessionID)); err != nil {
		return false, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainOperator, actor, audit.Event{
		Namespace: targetNamespace, EventType: "operator_impersonation_ended",
		ResourceType: "operator_impersonation_session", ResourceID: id.String(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func scanOperatorSession(row pgx.Row) (OperatorSession, error) {
	var o OperatorSession
	var id, operatorActorID, targetUserID, origSess, impSess pgtype.UUID
	var ticketReference *string
	var endedAt *time.Time
	if err := row.Scan(
		&id, &o.OperatorNamespace, &operatorActorID, &o.OperatorEmail,
		&o.TargetNamespace, &targetUserID, &o.TargetUserEmail,
		&origSess, &impSess, &o.Reason, &ticketReference, &o.StartedAt, &o.ExpiresAt, &endedAt,
	); err != nil {
		return OperatorSession{}, err
	}
	o.ID = dbctx.FromPGUUID(id)
	o.OperatorActorID = dbctx.FromPGUUID(operatorActorID)
	o.TargetUserID = dbctx.FromPGUUID(targetUserID)
	o.OriginalSessionID = dbctx.FromPGUUID(origSess)
	o.ImpersonationSessionID = dbctx.FromPGUUID(impSess)
	o.EndedAt = endedAt
	if ticketReference != nil {
		o.TicketReference = *ticketReference
	}
	return o, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
