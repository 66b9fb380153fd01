package authz_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/authz"
)

func TestExplainText_FormatsEveryPathType(t *testing.T) {
	assert.Contains(t, authz.ExplainText(authz.Path{
		PathType: authz.PathDirect, ViaRelation: "edit", ViaSubjectType: "user", ViaSubjectID: "alice",
	}), "granted directly to user:alice")

	assert.Contains(t, authz.ExplainText(authz.Path{
		PathType: authz.PathGroup, ViaRelation: "edit", ViaSubjectType: "user", ViaSubjectID: "alice",
		Chain: []string{"team:infra", "team:eng"},
	}), "transitive member of team:infra -> team:eng")

	assert.Contains(t, authz.ExplainText(authz.Path{
		PathType: authz.PathHierarchy, ViaRelation: "admin", ViaSubjectType: "group", ViaSubjectID: "eng",
		Chain: []string{"admin", "write", "read"},
	}), "implies the requested permission via admin -> write -> read")

	assert.Contains(t, authz.ExplainText(authz.Path{
		PathType: authz.PathResource, ViaRelation: "edit", ViaSubjectType: "group", ViaSubjectID: "eng",
		Chain: []string{"document:policy", "folder:archive"},
	}), "on an ancestor resource via document:policy -> folder:archive")
}

// TestExplain_DecomposesAGrantIntoGroupHierarchyAndResourcePaths mirrors
// the "layered" scenario: alice reaches a grant on a distant folder
// through two nested group memberships, the grant sits on a higher
// permission than the one requested, and the grant sits on an ancestor
// rather than the document itself — so a single row in
// relationship_tuples must decompose into one path per dimension.
func TestExplain_DecomposesAGrantIntoGroupHierarchyAndResourcePaths(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	store := authz.NewStore(pool)
	actor := actorctx.Empty
	ns := "acme"

	alice := authz.Entity{Type: "user", ID: "alice"}
	infra := authz.Entity{Type: "team", ID: "infra"}
	eng := authz.Entity{Type: "team", ID: "eng"}
	folder := authz.Entity{Type: "folder", ID: "archive"}
	doc := authz.Entity{Type: "document", ID: "policy"}

	withTx(t, pool, func(tx pgx.Tx) {
		ctx := context.Background()
		require.NoError(t, store.PutHierarchyRule(ctx, tx, actor, authz.HierarchyRule{
			Namespace: ns, ResourceType: "document", Permission: "admin", Implies: "write",
		}))
		require.NoError(t, store.PutHierarchyRule(ctx, tx, actor, authz.HierarchyRule{
			Namespace: ns, ResourceType: "document", Permission: "write", Implies: "read",
		}))

		_, err := store.WriteTuple(ctx, tx, actor, authz.Tuple{Namespace: ns, Resource: infra, Relation: authz.RelationMember, Subject: alice})
		require.NoError(t, err)
		_, err = store.WriteTuple(ctx, tx, actor, authz.Tuple{Namespace: ns, Resource: eng, Relation: authz.RelationMember, Subject: infra})
		require.NoError(t, err)
		// parent edges read resource=ancestor, subject=child, so the
		// ancestor walk (subject -> resource) climbs from doc to folder.
		_, err = store.WriteTuple(ctx, tx, actor, authz.Tuple{Namespace: ns, Resource: folder, Relation: authz.RelationParent, Subject: doc})
		require.NoError(t, err)
		_, err = store.WriteTuple(ctx, tx, actor, authz.Tuple{Namespace: ns, Resource: folder, Relation: "admin", Subject: eng})
		require.NoError(t, err)

		require.NoError(t, tx.Commit(context.Background()))
	})

	paths, err := store.Explain(context.Background(), ns, alice, "read", doc)
	require.NoError(t, err)
	require.NotEmpty(t, paths, "a grant reached via group, hierarchy, and resource containment must yield layered paths")

	var groupPath, hierarchyPath, resourcePath *authz.Path
	for i, p := range paths {
		switch p.PathType {
		case authz.PathGroup:
			groupPath = &paths[i]
		case authz.PathHierarchy:
			hierarchyPath = &paths[i]
		case authz.PathResource:
			resourcePath = &paths[i]
		}
	}
	require.NotNil(t, groupPath, "expected a group-membership path")
	require.NotNil(t, hierarchyPath, "expected a permission-implication path")
	require.NotNil(t, resourcePath, "expected a resource-ancestry path")

	assert.Equal(t, []string{"team:infra", "team:eng"}, groupPath.Chain,
		"the group chain must exclude the literal subject being checked")
	assert.Equal(t, []string{"admin", "write", "read"}, hierarchyPath.Chain,
		"the hierarchy chain must read held-permission-first, not requested-permission-first")
	assert.Equal(t, []string{"document:policy", "folder:archive"}, resourcePath.Chain)
}
