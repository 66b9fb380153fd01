package obs_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente-platform/iam-core/internal/obs"
)

func TestConfigure_IsANoOpWithoutADSN(t *testing.T) {
	require.NoError(t, obs.Configure("", "test"))
}

func TestCaptureInvariant_LogsWithoutASentryDSN(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	obs.CaptureInvariant(logger, "acme", "ledger_mismatch", map[string]any{"expected": 10, "actual": 9})

	out := buf.String()
	assert.Contains(t, out, "invariant_violation")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "ledger_mismatch")
}

func TestCaptureSweepError_LogsWithoutASentryDSN(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	obs.CaptureSweepError(logger, "ensure_partitions", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "sweep_failed")
	assert.Contains(t, out, "ensure_partitions")
	assert.Contains(t, out, "boom")
}
