package identity

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
)

// IsLockedOut counts failed attempts for email in the trailing window,
// comparing against max. Pure read, per spec §4.3.
func (s *Store) IsLockedOut(ctx context.Context, namespace, email string, window time.Duration, max int) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM login_attempts
		WHERE namespace = $1 AND email = $2 AND success = false AND attempted_at > now() - $3::interval`,
		namespace, email, window.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count >= max, nil
}

// RecordLoginAttempt appends an attempt. When the attempt is a failure
// and the lockout predicate newly holds (i.e. this attempt is exactly
// the M-th failure), it emits lockout_triggered instead of
// login_attempt_failed, per spec §4.3 and the boundary behaviour in §8.
func (s *Store) RecordLoginAttempt(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, email string, success bool, ipAddress string, window time.Duration, max int) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO login_attempts (namespace, email, success, ip_address)
		VALUES ($1, $2, $3, $4)`, namespace, email, success, nullIfEmpty(ipAddress)); err != nil {
		return err
	}

	if success {
		return audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
			Namespace: namespace, EventType: "login_attempt_succeeded",
			ResourceType: "login_attempt", Details: map[string]any{"email": email},
		})
	}

	var failures int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM login_attempts
		WHERE namespace = $1 AND email = $2 AND success = false AND attempted_at > now() - $3::interval`,
		namespace, email, window.String()).Scan(&failures); err != nil {
		return err
	}

	eventType := "login_attempt_failed"
	if failures == max {
		eventType = "lockout_triggered"
	}
	return audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: eventType,
		ResourceType: "login_attempt", Details: map[string]any{"email": email, "failure_count": failures},
	})
}

// PruneLoginAttempts deletes attempts older than retention, a
// background-sweep helper (spec §6's login_attempts_retention knob).
func (s *Store) PruneLoginAttempts(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM login_attempts WHERE attempted_at < now() - $1::interval`, retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
