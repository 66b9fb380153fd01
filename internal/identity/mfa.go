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

func (s *Store) AddMFA(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, userID uuid.UUID, mfaType MFAType, secret, name string) (MFAEnrolment, error) {
	if err := validate.Hash("secret", secret, false); err != nil {
		return MFAEnrolment{}, err
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO mfa_enrolments (id, namespace, user_id, mfa_type, secret, name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, namespace, user_id, mfa_type, secret, name, created_at, last_used_at`,
		dbctx.ToPGUUID(id), namespace, dbctx.ToPGUUID(userID), string(mfaType), secret, nullIfEmpty(name))
	m, err := scanMFA(row)
	if err != nil {
		return MFAEnrolment{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "mfa_enrolled",
		ResourceType: "mfa_enrolment", ResourceID: m.ID.String(),
		Details: map[string]any{"mfa_type": string(mfaType)},
	}); err != nil {
		return MFAEnrolment{}, err
	}
	m.Secret = ""
	return m, nil
}

func (s *Store) RemoveMFA(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM mfa_enrolments WHERE namespace = $1 AND id = $2`, namespace, dbctx.ToPGUUID(id))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "mfa_removed",
		ResourceType: "mfa_enrolment", ResourceID: id.String(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ListMFA never includes secrets, per spec §9.
func (s *Store) ListMFA(ctx context.Context, namespace string, userID uuid.UUID) ([]MFAEnrolment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace, user_id, mfa_type, secret, name, created_at, last_used_at
		FROM mfa_enrolments WHERE namespace = $1 AND user_id = $2 ORDER BY created_at`,
		namespace, dbctx.ToPGUUID(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MFAEnrolment
	for rows.Next() {
		m, err := scanMFA(rows)
		if err != nil {
			return nil, err
		}
		m.Secret = ""
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMFA is the only function in this package permitted to return
// secrets, per spec §9.
func (s *Store) GetMFA(ctx context.Context, namespace string, userID uuid.UUID) ([]MFAEnrolment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace, user_id, mfa_type, secret, name, created_at, last_used_at
		FROM mfa_enrolments WHERE namespace = $1 AND user_id = $2 ORDER BY created_at`,
		namespace, dbctx.ToPGUUID(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MFAEnrolment
	for rows.Next() {
		m, err := scanMFA(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) HasMFA(ctx context.Context, namespace string, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mfa_enrolments WHERE namespace = $1 AND user_id = $2)`,
		namespace, dbctx.ToPGUUID(userID)).Scan(&exists)
	return exists, err
}

func (s *Store) UseMFA(ctx context.Context, tx pgx.Tx, namespace string, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE mfa_enrolments SET last_used_at = now() WHERE namespace = $1 AND id = $2`,
		namespace, dbctx.ToPGUUID(id))
	return err
}

func scanMFA(row pgx.Row) (MFAEnrolment, error) {
	var m MFAEnrolment
	var id, userID pgtype.UUID
	var mfaType string
	var name *string
	var lastUsedAt *time.Time
	if err := row.Scan(&id, &m.Namespace, &userID, &mfaType, &m.Secret, &name, &m.CreatedAt, &lastUsedAt); err != nil {
		return MFAEnrolment{}, err
	}
	m.ID, m.UserID, m.MFAType, m.LastUsedAt = dbctx.FromPGUUID(id), dbctx.FromPGUUID(userID), MFAType(mfaType), lastUsedAt
	if name != nil {
		m.Name = *name
	}
	return m, nil
}
