package authz

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/validate"
)

// PutHierarchyRule upserts one permission-implication edge. Spec §3/§4.7
// describe the hierarchy table only as a read surface ("read from both
// the tenant namespace and global"); callers still need a way to
// populate it, so this is a thin, idempotent upsert in the same idiom
// as WriteTuple rather than a new component.
func (s *Store) PutHierarchyRule(ctx context.Context, tx pgx.Tx, actor actorctx.Context, rule HierarchyRule) error {
	if err := validate.Namespace("namespace", rule.Namespace); err != nil {
		return err
	}
	if err := validate.Identifier("resource_type", rule.ResourceType); err != nil {
		return err
	}
	if err := validate.Identifier("permission", rule.Permission); err != nil {
		return err
	}
	if err := validate.Identifier("implies", rule.Implies); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO permission_hierarchy (namespace, resource_type, permission, implies)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, resource_type, permission, implies) DO NOTHING`,
		rule.Namespace, rule.ResourceType, rule.Permission, rule.Implies); err != nil {
		return err
	}

	return audit.Emit(ctx, tx, audit.DomainAuthz, actor, audit.Event{
		Namespace: rule.Namespace, EventType: "hierarchy_rule_written",
		ResourceType: rule.ResourceType,
		Details:      map[string]any{"permission": rule.Permission, "implies": rule.Implies},
	})
}

func (s *Store) ListHierarchyRules(ctx context.Context, namespace, resourceType string) ([]HierarchyRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace, resource_type, permission, implies FROM permission_hierarchy
		WHERE namespace = ANY($1) AND resource_type = $2 ORDER BY permission, implies`,
		[]string{namespace, globalNamespace}, resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HierarchyRule
	for rows.Next() {
		var r HierarchyRule
		if err := rows.Scan(&r.Namespace, &r.ResourceType, &r.Permission, &r.Implies); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
