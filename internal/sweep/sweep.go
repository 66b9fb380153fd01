// Package sweep throttles the background maintenance jobs this module
// expects an external scheduler to drive: audit partition maintenance
// and expired-reservation release. It generalizes the teacher's
// per-IP token bucket (internal/api/middleware/ratelimit.go) from an
// HTTP-request concern into a per-namespace self-throttle so a
// misconfigured or overlapping scheduler can't hammer the database
// with redundant sweep runs.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/metering"
	"github.com/lavente-platform/iam-core/internal/obs"
)

// Limiter holds one token bucket per namespace, same shape as the
// teacher's IPRateLimiter keyed by IP instead.
type Limiter struct {
	buckets sync.Map
	rps     rate.Limit
	burst   int
}

func NewLimiter(rps rate.Limit, burst int) *Limiter {
	l := &Limiter{rps: rps, burst: burst}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) GetLimiter(namespace string) *rate.Limiter {
	if existing, ok := l.buckets.Load(namespace); ok {
		return existing.(*rate.Limiter)
	}
	newLimiter := rate.NewLimiter(l.rps, l.burst)
	actual, _ := l.buckets.LoadOrStore(namespace, newLimiter)
	return actual.(*rate.Limiter)
}

func (l *Limiter) Allow(namespace string) bool {
	return l.GetLimiter(namespace).Allow()
}

// cleanupLoop periodically wipes the bucket map; a full wipe is
// acceptable here since a fresh bucket just starts with a full burst,
// same trade-off the teacher's IPRateLimiter makes.
func (l *Limiter) cleanupLoop() {
	for {
		time.Sleep(10 * time.Minute)
		l.buckets.Range(func(key, _ any) bool {
			l.buckets.Delete(key)
			return true
		})
	}
}

// Runner drives the two sweep jobs spec §1 expects an external
// scheduler to call into, self-throttled so a caller that invokes Run
// more often than intended degrades into skipped ticks rather than
// redundant work.
type Runner struct {
	audit    *audit.Store
	metering *metering.Store
	limiter  *Limiter
	logger   *slog.Logger
	actor    actorctx.Context
}

func NewRunner(auditStore *audit.Store, meteringStore *metering.Store, logger *slog.Logger) *Runner {
	return &Runner{
		audit:    auditStore,
		metering: meteringStore,
		limiter:  NewLimiter(rate.Every(time.Minute), 1),
		logger:   logger,
		actor:    actorctx.Empty,
	}
}

// RunPartitionMaintenance ensures the current and monthsAhead future
// partitions exist and drops partitions older than olderThanMonths.
// Self-throttled under the "partitions" key since this is a
// single, cluster-wide job, not namespace-scoped.
func (r *Runner) RunPartitionMaintenance(ctx context.Context, monthsAhead, olderThanMonths int) {
	if !r.limiter.Allow("partitions") {
		r.logger.Debug("sweep_skipped", "sweep", "partition_maintenance")
		return
	}
	if err := r.audit.EnsurePartitions(ctx, monthsAhead); err != nil {
		obs.CaptureSweepError(r.logger, "ensure_partitions", err)
	}
	if err := r.audit.DropPartitions(ctx, olderThanMonths); err != nil {
		obs.CaptureSweepError(r.logger, "drop_partitions", err)
	}
}

// RunExpiredReservationRelease releases expired reservations for
// namespace (or every namespace when empty), throttled per namespace.
func (r *Runner) RunExpiredReservationRelease(ctx context.Context, namespace string) {
	key := namespace
	if key == "" {
		key = "*"
	}
	if !r.limiter.Allow(key) {
		r.logger.Debug("sweep_skipped", "sweep", "release_expired_reservations", "namespace", namespace)
		return
	}
	released, err := r.metering.ReleaseExpiredReservations(ctx, r.actor, namespace)
	if err != nil {
		obs.CaptureSweepError(r.logger, "release_expired_reservations", err)
		return
	}
	if released > 0 {
		r.logger.Info("reservations_released", "namespace", namespace, "count", released)
	}
}

// Run blocks, invoking both sweeps on interval until ctx is canceled.
func (r *Runner) Run(ctx context.Context, interval time.Duration, monthsAhead, olderThanMonths int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunPartitionMaintenance(ctx, monthsAhead, olderThanMonths)
			r.RunExpiredReservationRelease(ctx, "")
		}
	}
}
