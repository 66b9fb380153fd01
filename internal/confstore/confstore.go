// Package confstore implements spec §4.8's versioned config store:
// set/set_default/activate/rollback/merge over per-key monotonic
// version counters, plus schema matching by exact-then-longest-prefix.
// JSON-Schema validation itself is out of scope (spec §1); SchemaValidator
// is the pluggable seam a caller wires its own validator into.
package confstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/validate"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SchemaValidator is supplied by the caller; ValidateAgainstSchema
// receives the raw schema document and the candidate value and returns
// an error describing the violation, or nil.
type SchemaValidator interface {
	ValidateAgainstSchema(schema, value json.RawMessage) error
}

type Entry struct {
	Namespace string
	Key       string
	Version   int
	Value     json.RawMessage
	IsActive  bool
	CreatedAt time.Time
	CreatedBy string
}

type Schema struct {
	KeyPattern  string
	Schema      json.RawMessage
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Set deactivates the current active version (if any) and inserts a
// new row with version := per-key counter + 1, is_active = true.
func (s *Store) Set(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, key string, value json.RawMessage, createdBy string, validator SchemaValidator) (Entry, error) {
	if err := validate.Namespace("namespace", namespace); err != nil {
		return Entry{}, err
	}
	if err := validate.ID("key", key); err != nil {
		return Entry{}, err
	}
	if validator != nil {
		if schema, ok, err := s.getSchemaTx(ctx, tx, namespace, key); err != nil {
			return Entry{}, err
		} else if ok {
			if err := validator.ValidateAgainstSchema(schema.Schema, value); err != nil {
				return Entry{}, validate.Invalid("value", "failed schema validation: %v", err)
			}
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO config_version_counters (namespace, key, counter) VALUES ($1, $2, 1)
		ON CONFLICT (namespace, key) DO UPDATE SET counter = config_version_counters.counter + 1`,
		namespace, key); err != nil {
		return Entry{}, err
	}
	var version int
	if err := tx.QueryRow(ctx, `SELECT counter FROM config_version_counters WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&version); err != nil {
		return Entry{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE config_entries SET is_active = false WHERE namespace = $1 AND key = $2 AND is_active`,
		namespace, key); err != nil {
		return Entry{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO config_entries (namespace, key, version, value, is_active, created_by)
		VALUES ($1, $2, $3, $4, true, $5)
		RETURNING namespace, key, version, value, is_active, created_at, created_by`,
		namespace, key, version, value, nullIfEmpty(createdBy))
	entry, err := scanEntry(row)
	if err != nil {
		return Entry{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainConfig, actor, audit.Event{
		Namespace: namespace, EventType: "config_set",
		ResourceType: "config_entry", ResourceID: key,
		NewValue: value, Details: map[string]any{"version": version},
	}); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// SetDefault is a race-safe upsert: if an active version already
// exists it is returned unchanged, otherwise one is created via Set.
func (s *Store) SetDefault(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, key string, value json.RawMessage, createdBy string, validator SchemaValidator) (Entry, error) {
	// Concurrent calls on the same key queue here, so a later call sees
	// the version the first one created instead of creating its own.
	if err := dbctx.LockKey(ctx, tx, namespace, "config_default:"+key); err != nil {
		return Entry{}, err
	}
	row := tx.QueryRow(ctx, `
		SELECT namespace, key, version, value, is_active, created_at, created_by
		FROM config_entries WHERE namespace = $1 AND key = $2 AND is_active FOR UPDATE`, namespace, key)
	existing, err := scanEntry(row)
	if err == nil {
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return Entry{}, err
	}
	return s.Set(ctx, tx, actor, namespace, key, value, createdBy, validator)
}

// Activate toggles is_active atomically over all versions of the key.
func (s *Store) Activate(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, key string, version int) (Entry, error) {
	if _, err := tx.Exec(ctx, `UPDATE config_entries SET is_active = false WHERE namespace = $1 AND key = $2 AND is_active`,
		namespace, key); err != nil {
		return Entry{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE config_entries SET is_active = true WHERE namespace = $1 AND key = $2 AND version = $3
		RETURNING namespace, key, version, value, is_active, created_at, created_by`,
		namespace, key, version)
	entry, err := scanEntry(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Entry{}, &validate.Error{Kind: validate.NotFound, Field: "version", Message: "no such config version"}
		}
		return Entry{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainConfig, actor, audit.Event{
		Namespace: namespace, EventType: "config_activated",
		ResourceType: "config_entry", ResourceID: key,
		Details: map[string]any{"version": version},
	}); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Rollback activates the immediately prior version.
func (s *Store) Rollback(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, key string) (Entry, error) {
	var currentVersion int
	err := tx.QueryRow(ctx, `SELECT version FROM config_entries WHERE namespace = $1 AND key = $2 AND is_active`,
		namespace, key).Scan(&currentVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Entry{}, &validate.Error{Kind: validate.NotFound, Field: "key", Message: "no active version to roll back from"}
		}
		return Entry{}, err
	}

	var priorVersion int
	err = tx.QueryRow(ctx, `
		SELECT version FROM config_entries WHERE namespace = $1 AND key = $2 AND version < $3
		ORDER BY version DESC LIMIT 1`, namespace, key, currentVersion).Scan(&priorVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Entry{}, &validate.Error{Kind: validate.NotFound, Field: "key", Message: "no prior version to roll back to"}
		}
		return Entry{}, err
	}

	return s.Activate(ctx, tx, actor, namespace, key, priorVersion)
}

// Merge locks the active row, shallow-merges with changes, and calls Set.
func (s *Store) Merge(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, key string, changes json.RawMessage, createdBy string, validator SchemaValidator) (Entry, error) {
	row := tx.QueryRow(ctx, `SELECT value FROM config_entries WHERE namespace = $1 AND key = $2 AND is_active FOR UPDATE`,
		namespace, key)
	var current json.RawMessage
	if err := row.Scan(&current); err != nil {
		if err == pgx.ErrNoRows {
			return Entry{}, &validate.Error{Kind: validate.NotFound, Field: "key", Message: "no active version to merge into"}
		}
		return Entry{}, err
	}

	merged, err := shallowMerge(current, changes)
	if err != nil {
		return Entry{}, validate.Invalid("changes", "must be a JSON object: %v", err)
	}
	return s.Set(ctx, tx, actor, namespace, key, merged, createdBy, validator)
}

// Delete removes a non-active version; deleting the active version is
// rejected, per spec §7/§8.
func (s *Store) Delete(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, key string, version int) (bool, error) {
	var isActive bool
	err := tx.QueryRow(ctx, `SELECT is_active FROM config_entries WHERE namespace = $1 AND key = $2 AND version = $3`,
		namespace, key, version).Scan(&isActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if isActive {
		return false, validate.InvalidParam("version", "cannot delete the active config version")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM config_entries WHERE namespace = $1 AND key = $2 AND version = $3`,
		namespace, key, version); err != nil {
		return false, err
	}
	return true, audit.Emit(ctx, tx, audit.DomainConfig, actor, audit.Event{
		Namespace: namespace, EventType: "config_version_deleted",
		ResourceType: "config_entry", ResourceID: key,
		Details: map[string]any{"version": version},
	})
}

func (s *Store) GetActive(ctx context.Context, namespace, key string) (Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT namespace, key, version, value, is_active, created_at, created_by
		FROM config_entries WHERE namespace = $1 AND key = $2 AND is_active`, namespace, key)
	return scanEntry(row)
}

func (s *Store) History(ctx context.Context, namespace, key string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace, key, version, value, is_active, created_at, created_by
		FROM config_entries WHERE namespace = $1 AND key = $2 ORDER BY version`, namespace, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSchema matches exact first, else the longest matching prefix
// ending in "/", else none.
func (s *Store) GetSchema(ctx context.Context, key string) (Schema, bool, error) {
	return s.getSchemaTx(ctx, s.pool, "", key)
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) getSchemaTx(ctx context.Context, q pgxQuerier, _namespace, key string) (Schema, bool, error) {
	row := q.QueryRow(ctx, `SELECT key_pattern, schema, description, created_at, updated_at FROM config_schemas WHERE key_pattern = $1`, key)
	schema, err := scanSchema(row)
	if err == nil {
		return schema, true, nil
	}
	if err != pgx.ErrNoRows {
		return Schema{}, false, err
	}

	rows, err := q.Query(ctx, `SELECT key_pattern, schema, description, created_at, updated_at FROM config_schemas WHERE key_pattern LIKE '%/'`)
	if err != nil {
		return Schema{}, false, err
	}
	defer rows.Close()

	var candidates []Schema
	for rows.Next() {
		sc, err := scanSchema(rows)
		if err != nil {
			return Schema{}, false, err
		}
		if strings.HasPrefix(key, sc.KeyPattern) {
			candidates = append(candidates, sc)
		}
	}
	if err := rows.Err(); err != nil {
		return Schema{}, false, err
	}
	if len(candidates) == 0 {
		return Schema{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i].KeyPattern) > len(candidates[j].KeyPattern) })
	return candidates[0], true, nil
}

func (s *Store) PutSchema(ctx context.Context, keyPattern string, schema json.RawMessage, description string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config_schemas (key_pattern, schema, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (key_pattern) DO UPDATE SET schema = EXCLUDED.schema, description = EXCLUDED.description, updated_at = now()`,
		keyPattern, schema, nullIfEmpty(description))
	return err
}

func shallowMerge(base, changes json.RawMessage) (json.RawMessage, error) {
	var baseMap, changesMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(changes, &changesMap); err != nil {
		return nil, err
	}
	if baseMap == nil {
		baseMap = map[string]json.RawMessage{}
	}
	for k, v := range changesMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var createdBy *string
	if err := row.Scan(&e.Namespace, &e.Key, &e.Version, &e.Value, &e.IsActive, &e.CreatedAt, &createdBy); err != nil {
		return Entry{}, err
	}
	if createdBy != nil {
		e.CreatedBy = *createdBy
	}
	return e, nil
}

func scanSchema(row pgx.Row) (Schema, error) {
	var sc Schema
	var description *string
	if err := row.Scan(&sc.KeyPattern, &sc.Schema, &description, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return Schema{}, err
	}
	if description != nil {
		sc.Description = *description
	}
	return sc, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
