// Package audit implements the append-only, partitioned event log of
// spec §4.2. Each domain gets its own table, partitioned by month on
// occurred_at; the Store also owns the partition maintenance contract
// (create_partition / ensure_partitions / drop_partitions) that an
// external cron job is expected to drive — the cron itself is out of
// scope (spec §1), this is the contract it calls into.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/obs"
)

// Domain names one of the five audit streams named in spec §4.2.
type Domain string

const (
	DomainAuthn    Domain = "authn"
	DomainAuthz    Domain = "authz"
	DomainConfig   Domain = "config"
	DomainOperator Domain = "operator"
	DomainMeter    Domain = "meter"
)

var allDomains = []Domain{DomainAuthn, DomainAuthz, DomainConfig, DomainOperator, DomainMeter}

func (d Domain) table() string { return "audit_" + string(d) }

// Event is one row emitted by a mutating operation. Sensitive fields
// (password_hash, token_hash, key_hash, MFA secrets) must never be
// placed in Details, OldValue, or NewValue — callers are responsible
// for redaction before calling Emit; this package does not attempt to
// guess which fields are sensitive.
type Event struct {
	Namespace    string
	EventType    string
	ResourceType string
	ResourceID   string
	OldValue     any
	NewValue     any
	Details      map[string]any
}

// Store writes audit events and manages partitions for all domains.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Emit appends exactly one audit row within the caller's transaction.
// Every mutating public operation in this module calls Emit at most
// once, per spec §8's "exactly one audit row per successful call".
func Emit(ctx context.Context, tx pgx.Tx, domain Domain, actor actorctx.Context, ev Event) error {
	oldJSON, err := marshalOrEmpty(ev.OldValue)
	if err != nil {
		return fmt.Errorf("marshal old_value: %w", err)
	}
	newJSON, err := marshalOrEmpty(ev.NewValue)
	if err != nil {
		return fmt.Errorf("marshal new_value: %w", err)
	}
	detailsJSON, err := marshalOrEmpty(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (
			namespace, event_type, resource_type, resource_id,
			actor_id, request_id, ip_address, user_agent, on_behalf_of, reason,
			old_value, new_value, details, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())`, domain.table())

	_, err = tx.Exec(ctx, sql,
		ev.Namespace, ev.EventType, ev.ResourceType, ev.ResourceID,
		nullableStr(actor.ActorID), nullableStr(actor.RequestID), nullableStr(actor.IPAddress),
		nullableStr(actor.UserAgent), nullableStr(actor.OnBehalfOf), nullableStr(actor.Reason),
		oldJSON, newJSON, detailsJSON,
	)
	return err
}

func marshalOrEmpty(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// partitionSuffix formats the literal shape spec §4.2 requires:
// y<4-digit year>m<2-digit month>.
func partitionSuffix(year, month int) string {
	return fmt.Sprintf("y%04dm%02d", year, month)
}

var partitionSuffixRE = regexp.MustCompile(`^y(\d{4})m(\d{2})$`)

// parsePartitionSuffix refuses anything that does not match the
// literal shape; malformed names are logged and skipped rather than
// causing a sweep to fail, per spec §7's "background sweeps... log
// warnings for malformed data... and continue".
func parsePartitionSuffix(suffix string) (year, month int, ok bool) {
	m := partitionSuffixRE.FindStringSubmatch(suffix)
	if m == nil {
		return 0, 0, false
	}
	var y, mo int
	fmt.Sscanf(m[1], "%d", &y)
	fmt.Sscanf(m[2], "%d", &mo)
	if mo < 1 || mo > 12 {
		return 0, 0, false
	}
	return y, mo, true
}

// CreatePartition creates the month partition for domain if it does
// not already exist. Idempotent: CREATE TABLE IF NOT EXISTS.
func (s *Store) CreatePartition(ctx context.Context, domain Domain, year, month int) error {
	suffix := partitionSuffix(year, month)
	partName := fmt.Sprintf("%s_%s", domain.table(), suffix)
	rangeStart := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := rangeStart.AddDate(0, 1, 0)

	sql := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ($1) TO ($2)`,
		partName, domain.table(),
	)
	_, err := s.pool.Exec(ctx, sql, rangeStart, rangeEnd)
	return err
}

// EnsurePartitions creates the current month's partition plus
// monthsAhead future months, for every domain.
func (s *Store) EnsurePartitions(ctx context.Context, monthsAhead int) error {
	now := time.Now().UTC()
	// Step from the first of the month: AddDate on day 29-31 can
	// overflow into the month after the one intended.
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for _, d := range allDomains {
		for i := 0; i <= monthsAhead; i++ {
			t := firstOfMonth.AddDate(0, i, 0)
			if err := s.CreatePartition(ctx, d, t.Year(), int(t.Month())); err != nil {
				obs.CaptureSweepError(s.logger, "ensure_partitions", err)
				return fmt.Errorf("create partition for %s %04d-%02d: %w", d, t.Year(), t.Month(), err)
			}
		}
	}
	return nil
}

// DropPartitions drops partitions older than olderThanMonths, for
// every domain. Partition names that do not parse are logged and
// skipped, never causing the sweep to abort.
func (s *Store) DropPartitions(ctx context.Context, olderThanMonths int) error {
	cutoff := time.Now().UTC().AddDate(0, -olderThanMonths, 0)

	for _, d := range allDomains {
		rows, err := s.pool.Query(ctx, `
			SELECT relname FROM pg_class c
			JOIN pg_inherits i ON i.inhrelid = c.oid
			JOIN pg_class p ON p.oid = i.inhparent
			WHERE p.relname = $1`, d.table())
		if err != nil {
			return fmt.Errorf("list partitions for %s: %w", d, err)
		}

		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			names = append(names, name)
		}
		rows.Close()

		prefix := d.table() + "_"
		for _, name := range names {
			if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
				s.logger.Warn("audit_partition_unexpected_name", "table", name)
				continue
			}
			year, month, ok := parsePartitionSuffix(name[len(prefix):])
			if !ok {
				s.logger.Warn("audit_partition_name_unparseable", "table", name)
				continue
			}
			partitionTime := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			if partitionTime.Before(cutoff) {
				if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
					obs.CaptureSweepError(s.logger, "drop_partitions", err)
					return fmt.Errorf("drop partition %s: %w", name, err)
				}
			}
		}
	}
	return nil
}
