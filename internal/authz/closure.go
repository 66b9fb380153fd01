package authz

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// reachable runs the bounded BFS of spec §4.6 step 3: is `to` reachable
// from `from` by following relation edges from a tuple's subject to its
// resource? Used by the cycle-detection write protocol before a
// member(non-user)/parent write, called with from = the new tuple's
// resource and to = its subject: the new tuple adds the edge
// subject -> resource, so an existing path resource -> ... -> subject
// means the write would close a cycle.
func (s *Store) reachable(ctx context.Context, tx pgx.Tx, namespace string, from, to Entity, relation string) (bool, error) {
	maxDepth := maxGroupDepth
	if relation == RelationParent {
		maxDepth = maxResourceDepth
	}

	visited := map[Entity]bool{from: true}
	frontier := []Entity{from}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		rows, err := tx.Query(ctx, `
			SELECT resource_type, resource_id FROM relationship_tuples
			WHERE namespace = $1 AND relation = $2 AND subject_type = ANY($3) AND subject_id = ANY($4)`,
			namespace, relation, typesOf(frontier), idsOf(frontier))
		if err != nil {
			return false, err
		}

		var next []Entity
		for rows.Next() {
			var e Entity
			if err := rows.Scan(&e.Type, &e.ID); err != nil {
				rows.Close()
				return false, err
			}
			if e == to {
				rows.Close()
				return true, nil
			}
			if !visited[e] {
				visited[e] = true
				next = append(next, e)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
		frontier = next
	}
	return false, nil
}

// expandSubjectMemberships computes the reflexive-transitive closure of
// (subject) --member--> (group), bounded by maxGroupDepth, per spec §4.7.
func (s *Store) expandSubjectMemberships(ctx context.Context, q pgxQuerier, namespace string, subject Entity) (map[Entity]string, error) {
	result := map[Entity]string{subject: ""}
	frontier := []Entity{subject}

	for depth := 0; depth < maxGroupDepth && len(frontier) > 0; depth++ {
		rows, err := q.Query(ctx, `
			SELECT resource_type, resource_id, subject_relation FROM relationship_tuples
			WHERE namespace = $1 AND relation = $2 AND subject_type = ANY($3) AND subject_id = ANY($4)
				AND (expires_at IS NULL OR expires_at > now())`,
			namespace, RelationMember, typesOf(frontier), idsOf(frontier))
		if err != nil {
			return nil, err
		}

		var next []Entity
		for rows.Next() {
			var e Entity
			var subjectRelation *string
			if err := rows.Scan(&e.Type, &e.ID, &subjectRelation); err != nil {
				rows.Close()
				return nil, err
			}
			if _, seen := result[e]; !seen {
				edgeRelation := ""
				if subjectRelation != nil {
					edgeRelation = *subjectRelation
				}
				result[e] = edgeRelation
				next = append(next, e)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return result, nil
}

// expandResourceAncestors computes the reflexive-transitive closure of
// (resource) --parent--> (ancestor), bounded by maxResourceDepth.
func (s *Store) expandResourceAncestors(ctx context.Context, q pgxQuerier, namespace string, resource Entity) (map[Entity]bool, error) {
	result := map[Entity]bool{resource: true}
	frontier := []Entity{resource}

	for depth := 0; depth < maxResourceDepth && len(frontier) > 0; depth++ {
		rows, err := q.Query(ctx, `
			SELECT resource_type, resource_id FROM relationship_tuples
			WHERE namespace = $1 AND relation = $2 AND subject_type = ANY($3) AND subject_id = ANY($4)
				AND (expires_at IS NULL OR expires_at > now())`,
			namespace, RelationParent, typesOf(frontier), idsOf(frontier))
		if err != nil {
			return nil, err
		}

		var next []Entity
		for rows.Next() {
			var e Entity
			if err := rows.Scan(&e.Type, &e.ID); err != nil {
				rows.Close()
				return nil, err
			}
			if !result[e] {
				result[e] = true
				next = append(next, e)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return result, nil
}

// expandResourceDescendants is the inverse traversal of
// expandResourceAncestors: from resource down through child parent edges.
func (s *Store) expandResourceDescendants(ctx context.Context, q pgxQuerier, namespace string, resource Entity) (map[Entity]bool, error) {
	result := map[Entity]bool{}
	frontier := []Entity{resource}

	for depth := 0; depth < maxResourceDepth && len(frontier) > 0; depth++ {
		rows, err := q.Query(ctx, `
			SELECT subject_type, subject_id FROM relationship_tuples
			WHERE namespace = $1 AND relation = $2 AND resource_type = ANY($3) AND resource_id = ANY($4)
				AND (expires_at IS NULL OR expires_at > now())`,
			namespace, RelationParent, typesOf(frontier), idsOf(frontier))
		if err != nil {
			return nil, err
		}

		var next []Entity
		for rows.Next() {
			var e Entity
			if err := rows.Scan(&e.Type, &e.ID); err != nil {
				rows.Close()
				return nil, err
			}
			if !result[e] {
				result[e] = true
				next = append(next, e)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return result, nil
}

// impliedBy computes the reflexive-transitive closure of the
// permission-implication relation sourced from rows whose namespace is
// either the tenant namespace or "global", per spec §4.7.
func (s *Store) impliedBy(ctx context.Context, q pgxQuerier, namespace, resourceType, permission string) (map[string]bool, error) {
	result := map[string]bool{permission: true}
	frontier := []string{permission}

	for len(frontier) > 0 {
		rows, err := q.Query(ctx, `
			SELECT DISTINCT permission FROM permission_hierarchy
			WHERE namespace = ANY($1) AND resource_type = $2 AND implies = ANY($3)`,
			[]string{namespace, globalNamespace}, resourceType, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			if !result[p] {
				result[p] = true
				next = append(next, p)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return result, nil
}

func typesOf(entities []Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.Type
	}
	return out
}

func idsOf(entities []Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

// pgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx; the closures
// above are pure reads (spec §9) so they run against either.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
