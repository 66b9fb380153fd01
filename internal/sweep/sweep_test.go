package sweep_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/lavente-platform/iam-core/internal/sweep"
)

func TestLimiter_AllowsThenThrottlesSameKey(t *testing.T) {
	limiter := sweep.NewLimiter(rate.Every(time.Hour), 1)
	assert.True(t, limiter.Allow("acme"), "a fresh key starts with a full burst")
	assert.False(t, limiter.Allow("acme"), "a second call before the bucket refills must be throttled")
}

func TestLimiter_TracksKeysIndependently(t *testing.T) {
	limiter := sweep.NewLimiter(rate.Every(time.Hour), 1)
	assert.True(t, limiter.Allow("acme"))
	assert.True(t, limiter.Allow("other-tenant"), "a distinct key must not be throttled by another key's bucket")
}
