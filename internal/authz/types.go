// Package authz implements spec §4.6–4.7: the relationship-tuple store,
// its cycle-detection write protocol, the permission-hierarchy
// implication closure, resource parent chains, and the check/list/
// explain engine. Grounded in the teacher's "small Store struct over a
// DBTX, explicit SQL, pgx rows scanned into plain structs" idiom; the
// resource/relation/subject vocabulary follows the shape surveyed from
// the pack's OpenFGA-operator authorization-model types, built here as
// an in-process closure algorithm rather than a remote service client.
package authz

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Two relation names are reserved structural relations, per spec §3 and
// the GLOSSARY; every other relation name is a user-defined permission.
const (
	RelationMember Relation = "member"
	RelationParent Relation = "parent"
)

type Relation = string

// Entity is an uninterpreted (type, id) pair — a resource or a subject.
type Entity struct {
	Type string
	ID   string
}

type Tuple struct {
	ID              uuid.UUID
	Namespace       string
	Resource        Entity
	Relation        Relation
	Subject         Entity
	SubjectRelation string
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// HierarchyRule is one `(resource_type, permission) implies implies`
// edge, read from the tenant namespace and "global" per spec §3/§4.7.
type HierarchyRule struct {
	Namespace    string
	ResourceType string
	Permission   string
	Implies      string
}

const (
	maxGroupDepth    = 50
	maxResourceDepth = 50
	globalNamespace  = "global"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
