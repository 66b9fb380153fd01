package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/validate"
)

func endpointKey(e Entity) string { return e.Type + ":" + e.ID }

// requiresCycleCheck reports whether writing this edge must run the
// cycle-detection protocol, per spec §4.6: member edges to a non-user
// subject, or any parent edge.
func requiresCycleCheck(t Tuple) bool {
	if t.Relation == RelationParent {
		return true
	}
	return t.Relation == RelationMember && t.Subject.Type != "user"
}

// WriteTuple is the single-row write path. Ordinary writes upsert on
// the uniqueness key; writes requiring the cycle-detection protocol run
// the fast-path self-reference check, the dual advisory lock, and the
// transitive reachability test before upserting.
func (s *Store) WriteTuple(ctx context.Context, tx pgx.Tx, actor actorctx.Context, t Tuple) (Tuple, error) {
	if err := validateTuple(t); err != nil {
		return Tuple{}, err
	}

	if requiresCycleCheck(t) {
		if t.Resource == t.Subject {
			return Tuple{}, &validate.Error{Kind: validate.InvalidParameter, Field: "subject", Message: "self-reference is not allowed"}
		}

		if err := dbctx.LockEndpointPair(ctx, tx, t.Namespace, endpointKey(t.Resource), endpointKey(t.Subject)); err != nil {
			return Tuple{}, err
		}

		reachable, err := s.reachable(ctx, tx, t.Namespace, t.Resource, t.Subject, t.Relation)
		if err != nil {
			return Tuple{}, err
		}
		if reachable {
			return Tuple{}, &validate.Error{Kind: validate.CycleDetected, Field: "relation",
				Message: fmt.Sprintf("writing this %s edge would close a cycle", t.Relation)}
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO relationship_tuples (id, namespace, resource_type, resource_id, relation, subject_type, subject_id, subject_relation, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (namespace, resource_type, resource_id, relation, subject_type, subject_id, (COALESCE(subject_relation, '')))
		DO UPDATE SET expires_at = EXCLUDED.expires_at
		RETURNING id, namespace, resource_type, resource_id, relation, subject_type, subject_id, subject_relation, expires_at, created_at`,
		dbctx.ToPGUUID(uuid.New()), t.Namespace, t.Resource.Type, t.Resource.ID, t.Relation,
		t.Subject.Type, t.Subject.ID, nullIfEmpty(t.SubjectRelation), dbctx.ToPGTimestamptzPtr(t.ExpiresAt))
	written, err := scanTuple(row)
	if err != nil {
		return Tuple{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthz, actor, audit.Event{
		Namespace: t.Namespace, EventType: "tuple_written",
		ResourceType: t.Resource.Type, ResourceID: t.Resource.ID,
		Details: map[string]any{
			"relation": t.Relation, "subject_type": t.Subject.Type, "subject_id": t.Subject.ID,
			"subject_relation": t.SubjectRelation,
		},
	}); err != nil {
		return Tuple{}, err
	}
	return written, nil
}

// WriteTuplesBulk rejects any tuple requiring the cycle-detection
// protocol, per spec §4.6: callers must use WriteTuple for those so the
// check runs per edge.
func (s *Store) WriteTuplesBulk(ctx context.Context, tx pgx.Tx, actor actorctx.Context, tuples []Tuple) ([]Tuple, error) {
	for _, t := range tuples {
		if requiresCycleCheck(t) {
			return nil, &validate.Error{Kind: validate.FeatureNotSupported, Field: "relation",
				Message: "bulk writes do not support member(non-user) or parent edges; use the single-row path"}
		}
	}

	out := make([]Tuple, 0, len(tuples))
	for _, t := range tuples {
		written, err := s.WriteTuple(ctx, tx, actor, t)
		if err != nil {
			return nil, err
		}
		out = append(out, written)
	}
	return out, nil
}

// DeleteTuple deletes by uniqueness key, returning whether a row was removed.
func (s *Store) DeleteTuple(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, resource Entity, relation string, subject Entity, subjectRelation string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM relationship_tuples
		WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3 AND relation = $4
			AND subject_type = $5 AND subject_id = $6 AND COALESCE(subject_relation, '') = COALESCE($7, '')`,
		namespace, resource.Type, resource.ID, relation, subject.Type, subject.ID, nullIfEmpty(subjectRelation))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, audit.Emit(ctx, tx, audit.DomainAuthz, actor, audit.Event{
		Namespace: namespace, EventType: "tuple_deleted",
		ResourceType: resource.Type, ResourceID: resource.ID,
		Details: map[string]any{"relation": relation, "subject_type": subject.Type, "subject_id": subject.ID},
	})
}

// SetExpiration, ClearExpiration, ExtendExpiration operate on the same
// uniqueness key as WriteTuple/DeleteTuple.
func (s *Store) SetExpiration(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, resource Entity, relation string, subject Entity, subjectRelation string, expiresAt time.Time) (bool, error) {
	if !expiresAt.After(time.Now()) {
		return false, validate.InvalidParam("expires_at", "must be strictly in the future")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE relationship_tuples SET expires_at = $8
		WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3 AND relation = $4
			AND subject_type = $5 AND subject_id = $6 AND COALESCE(subject_relation, '') = COALESCE($7, '')`,
		namespace, resource.Type, resource.ID, relation, subject.Type, subject.ID, nullIfEmpty(subjectRelation), expiresAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, &validate.Error{Kind: validate.NotFound, Field: "resource", Message: "no matching tuple to set expiration on"}
	}
	return true, audit.Emit(ctx, tx, audit.DomainAuthz, actor, audit.Event{
		Namespace: namespace, EventType: "tuple_expiration_set",
		ResourceType: resource.Type, ResourceID: resource.ID,
		Details: map[string]any{"relation": relation, "expires_at": expiresAt},
	})
}

func (s *Store) ClearExpiration(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, resource Entity, relation string, subject Entity, subjectRelation string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE relationship_tuples SET expires_at = NULL
		WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3 AND relation = $4
			AND subject_type = $5 AND subject_id = $6 AND COALESCE(subject_relation, '') = COALESCE($7, '')`,
		namespace, resource.Type, resource.ID, relation, subject.Type, subject.ID, nullIfEmpty(subjectRelation))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, audit.Emit(ctx, tx, audit.DomainAuthz, actor, audit.Event{
		Namespace: namespace, EventType: "tuple_expiration_cleared",
		ResourceType: resource.Type, ResourceID: resource.ID,
		Details: map[string]any{"relation": relation},
	})
}

// ExtendExpiration errors when the grant does not currently expire —
// per spec §4.6, extending a non-expiring grant is an error.
func (s *Store) ExtendExpiration(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, resource Entity, relation string, subject Entity, subjectRelation string, newExpiresAt time.Time) (bool, error) {
	if !newExpiresAt.After(time.Now()) {
		return false, validate.InvalidParam("expires_at", "must be strictly in the future")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE relationship_tuples SET expires_at = $8
		WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3 AND relation = $4
			AND subject_type = $5 AND subject_id = $6 AND COALESCE(subject_relation, '') = COALESCE($7, '')
			AND expires_at IS NOT NULL`,
		namespace, resource.Type, resource.ID, relation, subject.Type, subject.ID, nullIfEmpty(subjectRelation), newExpiresAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, &validate.Error{Kind: validate.NotFound, Field: "resource", Message: "no expiring tuple matches, or grant does not expire"}
	}
	return true, audit.Emit(ctx, tx, audit.DomainAuthz, actor, audit.Event{
		Namespace: namespace, EventType: "tuple_expiration_extended",
		ResourceType: resource.Type, ResourceID: resource.ID,
		Details: map[string]any{"relation": relation, "expires_at": newExpiresAt},
	})
}

func (s *Store) ListExpiring(ctx context.Context, namespace string, within time.Duration) ([]Tuple, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace, resource_type, resource_id, relation, subject_type, subject_id, subject_relation, expires_at, created_at
		FROM relationship_tuples
		WHERE namespace = $1 AND expires_at IS NOT NULL AND expires_at <= now() + $2::interval
		ORDER BY expires_at`, namespace, within.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tuple
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CleanupExpired deletes every tuple whose expiry has passed; a
// background-sweep helper.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM relationship_tuples WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func validateTuple(t Tuple) error {
	if err := validate.Namespace("namespace", t.Namespace); err != nil {
		return err
	}
	if err := validate.Identifier("resource_type", t.Resource.Type); err != nil {
		return err
	}
	if err := validate.ID("resource_id", t.Resource.ID); err != nil {
		return err
	}
	if err := validate.Identifier("relation", t.Relation); err != nil {
		return err
	}
	if err := validate.Identifier("subject_type", t.Subject.Type); err != nil {
		return err
	}
	if err := validate.ID("subject_id", t.Subject.ID); err != nil {
		return err
	}
	if t.SubjectRelation != "" {
		if err := validate.Identifier("subject_relation", t.SubjectRelation); err != nil {
			return err
		}
	}
	return nil
}

func scanTuple(row pgx.Row) (Tuple, error) {
	var t Tuple
	var id pgtype.UUID
	var subjectRelation *string
	var expiresAt *time.Time
	if err := row.Scan(&id, &t.Namespace, &t.Resource.Type, &t.Resource.ID, &t.Relation,
		&t.Subject.Type, &t.Subject.ID, &subjectRelation, &expiresAt, &t.CreatedAt); err != nil {
		return Tuple{}, err
	}
	t.ID = dbctx.FromPGUUID(id)
	if subjectRelation != nil {
		t.SubjectRelation = *subjectRelation
	}
	t.ExpiresAt = expiresAt
	return t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
