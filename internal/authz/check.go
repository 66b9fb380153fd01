package authz

import (
	"context"
	"sort"
)

// Decision holds the three closures a permission check composes, per
// spec §4.7 steps 1-3, reused across check/list_resources/list_subjects
// so callers that need more than one need not recompute them.
type Decision struct {
	Subjects  map[Entity]string // subject -> edge_relation (group closure, includes subject itself with "")
	Ancestors map[Entity]bool   // resource -> true (includes resource itself)
	Permissions map[string]bool // implied permission set (includes the requested permission)
}

func (s *Store) buildDecision(ctx context.Context, namespace string, subject, resource Entity, resourceType, permission string) (Decision, error) {
	subjects, err := s.expandSubjectMemberships(ctx, s.pool, namespace, subject)
	if err != nil {
		return Decision{}, err
	}
	var ancestors map[Entity]bool
	if resource != (Entity{}) {
		ancestors, err = s.expandResourceAncestors(ctx, s.pool, namespace, resource)
		if err != nil {
			return Decision{}, err
		}
	}
	permissions, err := s.impliedBy(ctx, s.pool, namespace, resourceType, permission)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Subjects: subjects, Ancestors: ancestors, Permissions: permissions}, nil
}

// Check implements the permission-decision predicate of spec §4.7 step 4.
func (s *Store) Check(ctx context.Context, namespace string, subject Entity, permission string, resource Entity) (bool, error) {
	d, err := s.buildDecision(ctx, namespace, subject, resource, resource.Type, permission)
	if err != nil {
		return false, err
	}
	return s.decide(ctx, namespace, d, resource)
}

func (s *Store) decide(ctx context.Context, namespace string, d Decision, resource Entity) (bool, error) {
	ancestorTypes, ancestorIDs := make([]string, 0, len(d.Ancestors)), make([]string, 0, len(d.Ancestors))
	for e := range d.Ancestors {
		ancestorTypes, ancestorIDs = append(ancestorTypes, e.Type), append(ancestorIDs, e.ID)
	}
	permissions := make([]string, 0, len(d.Permissions))
	for p := range d.Permissions {
		permissions = append(permissions, p)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT subject_type, subject_id, subject_relation FROM relationship_tuples
		WHERE namespace = $1 AND resource_type = ANY($2) AND resource_id = ANY($3)
			AND relation = ANY($4) AND (expires_at IS NULL OR expires_at > now())`,
		namespace, ancestorTypes, ancestorIDs, permissions)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var subjType, subjID string
		var subjRelation *string
		if err := rows.Scan(&subjType, &subjID, &subjRelation); err != nil {
			return false, err
		}
		tupleSubject := Entity{Type: subjType, ID: subjID}
		edgeRelation, isMember := d.Subjects[tupleSubject]
		if !isMember {
			continue
		}
		if subjRelation == nil {
			return true, nil
		}
		if edgeRelation == *subjRelation {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) CheckAny(ctx context.Context, namespace string, subject Entity, permissions []string, resource Entity) (bool, error) {
	for _, p := range permissions {
		ok, err := s.Check(ctx, namespace, subject, p, resource)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CheckAll(ctx context.Context, namespace string, subject Entity, permissions []string, resource Entity) (bool, error) {
	for _, p := range permissions {
		ok, err := s.Check(ctx, namespace, subject, p, resource)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ListResources collects resources of resourceType the subject can
// access via permission, including accessible descendants of matching
// type reached via ancestor grants, ordered by id, cursor-paginated.
func (s *Store) ListResources(ctx context.Context, namespace string, subject Entity, resourceType, permission string, limit int, cursor string) ([]string, error) {
	subjects, err := s.expandSubjectMemberships(ctx, s.pool, namespace, subject)
	if err != nil {
		return nil, err
	}
	permissions, err := s.impliedBy(ctx, s.pool, namespace, resourceType, permission)
	if err != nil {
		return nil, err
	}

	subjTypes, subjIDs := make([]string, 0, len(subjects)), make([]string, 0, len(subjects))
	for e := range subjects {
		subjTypes, subjIDs = append(subjTypes, e.Type), append(subjIDs, e.ID)
	}
	permList := make([]string, 0, len(permissions))
	for p := range permissions {
		permList = append(permList, p)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT resource_type, resource_id FROM relationship_tuples
		WHERE namespace = $1 AND relation = ANY($2)
			AND subject_type = ANY($3) AND subject_id = ANY($4)
			AND (expires_at IS NULL OR expires_at > now())`,
		namespace, permList, subjTypes, subjIDs)
	if err != nil {
		return nil, err
	}

	granted := map[Entity]bool{}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Type, &e.ID); err != nil {
			rows.Close()
			return nil, err
		}
		granted[e] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := map[string]bool{}
	for e := range granted {
		if e.Type == resourceType {
			results[e.ID] = true
		}
		descendants, err := s.expandResourceDescendants(ctx, s.pool, namespace, e)
		if err != nil {
			return nil, err
		}
		for d := range descendants {
			if d.Type == resourceType {
				results[d.ID] = true
			}
		}
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		if cursor == "" || id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ListSubjects performs the dual traversal of spec §4.7: start from
// tuples granting the permission (or an implied one) on the resource or
// any ancestor, then recursively expand non-leaf subjects via member
// edges, returning only leaf subjects.
func (s *Store) ListSubjects(ctx context.Context, namespace string, resource Entity, permission string) ([]Entity, error) {
	ancestors, err := s.expandResourceAncestors(ctx, s.pool, namespace, resource)
	if err != nil {
		return nil, err
	}
	permissions, err := s.impliedBy(ctx, s.pool, namespace, resource.Type, permission)
	if err != nil {
		return nil, err
	}

	ancestorTypes, ancestorIDs := make([]string, 0, len(ancestors)), make([]string, 0, len(ancestors))
	for e := range ancestors {
		ancestorTypes, ancestorIDs = append(ancestorTypes, e.Type), append(ancestorIDs, e.ID)
	}
	permList := make([]string, 0, len(permissions))
	for p := range permissions {
		permList = append(permList, p)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT subject_type, subject_id, subject_relation FROM relationship_tuples
		WHERE namespace = $1 AND resource_type = ANY($2) AND resource_id = ANY($3)
			AND relation = ANY($4) AND (expires_at IS NULL OR expires_at > now())`,
		namespace, ancestorTypes, ancestorIDs, permList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leaves := map[Entity]bool{}
	var frontier []struct {
		entity       Entity
		edgeRelation string
	}
	for rows.Next() {
		var subjType, subjID string
		var subjRelation *string
		if err := rows.Scan(&subjType, &subjID, &subjRelation); err != nil {
			return nil, err
		}
		e := Entity{Type: subjType, ID: subjID}
		edge := ""
		if subjRelation != nil {
			edge = *subjRelation
		}
		frontier = append(frontier, struct {
			entity       Entity
			edgeRelation string
		}{e, edge})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visited := map[Entity]bool{}
	depth := 0
	for len(frontier) > 0 && depth < maxGroupDepth {
		depth++
		var next []struct {
			entity       Entity
			edgeRelation string
		}
		for _, f := range frontier {
			if visited[f.entity] {
				continue
			}
			visited[f.entity] = true

			isGroup, err := s.hasOutgoingMember(ctx, namespace, f.entity)
			if err != nil {
				return nil, err
			}
			if !isGroup {
				leaves[f.entity] = true
				continue
			}

			memberRows, err := s.pool.Query(ctx, `
				SELECT subject_type, subject_id, subject_relation FROM relationship_tuples
				WHERE namespace = $1 AND relation = $2 AND resource_type = $3 AND resource_id = $4
					AND (expires_at IS NULL OR expires_at > now())
					AND ($5 = '' OR COALESCE(subject_relation, '') = $5)`,
				namespace, RelationMember, f.entity.Type, f.entity.ID, f.edgeRelation)
			if err != nil {
				return nil, err
			}
			for memberRows.Next() {
				var subjType, subjID string
				var subjRelation *string
				if err := memberRows.Scan(&subjType, &subjID, &subjRelation); err != nil {
					memberRows.Close()
					return nil, err
				}
				edge := ""
				if subjRelation != nil {
					edge = *subjRelation
				}
				next = append(next, struct {
					entity       Entity
					edgeRelation string
				}{Entity{Type: subjType, ID: subjID}, edge})
			}
			memberRows.Close()
			if err := memberRows.Err(); err != nil {
				return nil, err
			}
		}
		frontier = next
	}

	out := make([]Entity, 0, len(leaves))
	for e := range leaves {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) hasOutgoingMember(ctx context.Context, namespace string, e Entity) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM relationship_tuples WHERE namespace = $1 AND relation = $2 AND resource_type = $3 AND resource_id = $4)`,
		namespace, RelationMember, e.Type, e.ID).Scan(&exists)
	return exists, err
}

// FilterAuthorized is the batch form of Check: returns the sorted
// intersection of ids with resources the subject may access.
func (s *Store) FilterAuthorized(ctx context.Context, namespace string, subject Entity, resourceType, permission string, ids []string) ([]string, error) {
	subjects, err := s.expandSubjectMemberships(ctx, s.pool, namespace, subject)
	if err != nil {
		return nil, err
	}
	permissions, err := s.impliedBy(ctx, s.pool, namespace, resourceType, permission)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, id := range ids {
		resource := Entity{Type: resourceType, ID: id}
		ancestors, err := s.expandResourceAncestors(ctx, s.pool, namespace, resource)
		if err != nil {
			return nil, err
		}
		ok, err := s.decide(ctx, namespace, Decision{Subjects: subjects, Ancestors: ancestors, Permissions: permissions}, resource)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
