// Package obs wires error observability for the core's background
// sweeps and invariant checks. It never sees request traffic directly
// (HTTP is out of scope for this module) — it is invoked by sweep jobs
// and by reconcile() when an InternalInvariant is raised.
package obs

import (
	"log/slog"
	"sync"

	"github.com/getsentry/sentry-go"
)

var (
	mu    sync.Mutex
	ready bool
)

// Configure initializes the Sentry client. Safe to call multiple times;
// only the first call with a non-empty DSN takes effect. Until it is
// called, CaptureInvariant and CaptureSweepError are no-ops other than
// logging, matching the teacher's lazy sentry.Init in main.go.
func Configure(dsn, environment string) error {
	mu.Lock()
	defer mu.Unlock()
	if ready || dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	}); err != nil {
		return err
	}
	ready = true
	return nil
}

// CaptureInvariant reports a reconcile() discrepancy. These never abort
// a transaction (reconcile is a read), so the only signal is this
// report plus the returned discrepancy row.
func CaptureInvariant(logger *slog.Logger, namespace, kind string, detail map[string]any) {
	logger.Error("invariant_violation", "namespace", namespace, "kind", kind, "detail", detail)
	mu.Lock()
	active := ready
	mu.Unlock()
	if !active {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("namespace", namespace)
		scope.SetTag("invariant_kind", kind)
		scope.SetContext("detail", detail)
		sentry.CaptureMessage("internal_invariant: " + kind)
	})
}

// CaptureSweepError reports a background-sweep failure (partition
// creation, expired-reservation release). Sweeps log and continue per
// spec §7; this is the side-channel for someone to notice.
func CaptureSweepError(logger *slog.Logger, sweep string, err error) {
	logger.Warn("sweep_failed", "sweep", sweep, "error", err)
	mu.Lock()
	active := ready
	mu.Unlock()
	if !active {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("sweep", sweep)
		sentry.CaptureException(err)
	})
}
