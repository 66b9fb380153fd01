package appconfig_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lavente-platform/iam-core/internal/appconfig"
)

func TestLoad_FallsBackToDefaultsWhenUnset(t *testing.T) {
	cfg := appconfig.Load()
	defaults := appconfig.Default()
	assert.Equal(t, defaults.SessionDuration, cfg.SessionDuration)
	assert.Equal(t, defaults.SweepInterval, cfg.SweepInterval)
	assert.Equal(t, defaults.MaxLoginAttempts, cfg.MaxLoginAttempts)
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("SESSION_DURATION", "2h")
	t.Setenv("MAX_LOGIN_ATTEMPTS", "10")
	t.Setenv("SWEEP_PARTITIONS_AHEAD", "5")
	t.Setenv("APP_ENV", "production")

	cfg := appconfig.Load()
	assert.Equal(t, 2*time.Hour, cfg.SessionDuration)
	assert.Equal(t, 10, cfg.MaxLoginAttempts)
	assert.Equal(t, 5, cfg.SweepPartitionsAhead)
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoad_IgnoresMalformedOverrides(t *testing.T) {
	t.Setenv("SESSION_DURATION", "not-a-duration")
	t.Setenv("MAX_LOGIN_ATTEMPTS", "not-a-number")

	cfg := appconfig.Load()
	defaults := appconfig.Default()
	assert.Equal(t, defaults.SessionDuration, cfg.SessionDuration)
	assert.Equal(t, defaults.MaxLoginAttempts, cfg.MaxLoginAttempts)
}
