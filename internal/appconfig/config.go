// Package appconfig loads the core's configuration knobs (spec §6).
// Every knob is overridable per connection/session by constructing a
// Config directly instead of calling Load — the env-var loader is a
// convenience for the common case of one process, one configuration.
package appconfig

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in spec §6. Durations are stored
// pre-parsed so call sites never repeat the parsing logic.
type Config struct {
	DatabaseURL string
	Environment string
	SentryDSN   string

	SessionDuration time.Duration

	TokenExpiryPasswordReset time.Duration
	TokenExpiryEmailVerify   time.Duration
	TokenExpiryMagicLink     time.Duration

	RefreshTokenDuration time.Duration

	LockoutWindow          time.Duration
	MaxLoginAttempts       int
	LoginAttemptsRetention time.Duration

	ImpersonationDefaultDuration time.Duration
	ImpersonationMaxDuration     time.Duration

	OperatorImpersonationDefaultDuration time.Duration
	OperatorImpersonationMaxDuration     time.Duration

	MaxGroupDepth    int
	MaxResourceDepth int

	AuditPartitionRetentionMonths int

	SweepInterval           time.Duration
	SweepPartitionsAhead    int
	SweepPartitionRetention int
}

// Default returns the configuration with every knob at the value
// spec §6 lists as the default.
func Default() Config {
	return Config{
		Environment: "development",

		SessionDuration: 7 * 24 * time.Hour,

		TokenExpiryPasswordReset: 1 * time.Hour,
		TokenExpiryEmailVerify:   24 * time.Hour,
		TokenExpiryMagicLink:     15 * time.Minute,

		RefreshTokenDuration: 30 * 24 * time.Hour,

		LockoutWindow:          15 * time.Minute,
		MaxLoginAttempts:       5,
		LoginAttemptsRetention: 30 * 24 * time.Hour,

		ImpersonationDefaultDuration: 1 * time.Hour,
		ImpersonationMaxDuration:     8 * time.Hour,

		OperatorImpersonationDefaultDuration: 30 * time.Minute,
		OperatorImpersonationMaxDuration:     4 * time.Hour,

		MaxGroupDepth:    50,
		MaxResourceDepth: 50,

		AuditPartitionRetentionMonths: 84,

		SweepInterval:           1 * time.Hour,
		SweepPartitionsAhead:    3,
		SweepPartitionRetention: 84,
	}
}

// Load reads overrides from the environment on top of Default().
func Load() Config {
	cfg := Default()
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Environment = env
	}

	cfg.SessionDuration = getEnvAsDuration("SESSION_DURATION", cfg.SessionDuration)
	cfg.TokenExpiryPasswordReset = getEnvAsDuration("TOKEN_EXPIRY_PASSWORD_RESET", cfg.TokenExpiryPasswordReset)
	cfg.TokenExpiryEmailVerify = getEnvAsDuration("TOKEN_EXPIRY_EMAIL_VERIFY", cfg.TokenExpiryEmailVerify)
	cfg.TokenExpiryMagicLink = getEnvAsDuration("TOKEN_EXPIRY_MAGIC_LINK", cfg.TokenExpiryMagicLink)
	cfg.RefreshTokenDuration = getEnvAsDuration("REFRESH_TOKEN_DURATION", cfg.RefreshTokenDuration)
	cfg.LockoutWindow = getEnvAsDuration("LOCKOUT_WINDOW", cfg.LockoutWindow)
	cfg.MaxLoginAttempts = getEnvAsInt("MAX_LOGIN_ATTEMPTS", cfg.MaxLoginAttempts)
	cfg.LoginAttemptsRetention = getEnvAsDuration("LOGIN_ATTEMPTS_RETENTION", cfg.LoginAttemptsRetention)
	cfg.ImpersonationDefaultDuration = getEnvAsDuration("IMPERSONATION_DEFAULT_DURATION", cfg.ImpersonationDefaultDuration)
	cfg.ImpersonationMaxDuration = getEnvAsDuration("IMPERSONATION_MAX_DURATION", cfg.ImpersonationMaxDuration)
	cfg.OperatorImpersonationDefaultDuration = getEnvAsDuration("OPERATOR_IMPERSONATION_DEFAULT_DURATION", cfg.OperatorImpersonationDefaultDuration)
	cfg.OperatorImpersonationMaxDuration = getEnvAsDuration("OPERATOR_IMPERSONATION_MAX_DURATION", cfg.OperatorImpersonationMaxDuration)
	cfg.MaxGroupDepth = getEnvAsInt("MAX_GROUP_DEPTH", cfg.MaxGroupDepth)
	cfg.MaxResourceDepth = getEnvAsInt("MAX_RESOURCE_DEPTH", cfg.MaxResourceDepth)
	cfg.AuditPartitionRetentionMonths = getEnvAsInt("AUDIT_PARTITION_RETENTION_MONTHS", cfg.AuditPartitionRetentionMonths)
	cfg.SweepInterval = getEnvAsDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SweepPartitionsAhead = getEnvAsInt("SWEEP_PARTITIONS_AHEAD", cfg.SweepPartitionsAhead)
	cfg.SweepPartitionRetention = getEnvAsInt("SWEEP_PARTITION_RETENTION", cfg.SweepPartitionRetention)

	return cfg
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
