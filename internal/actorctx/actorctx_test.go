package actorctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente-platform/iam-core/internal/actorctx"
)

func TestNew_AcceptsValidIPAndPopulatesAllFields(t *testing.T) {
	ctx, err := actorctx.New("user-1", "req-1", "203.0.113.7", "curl/8.0", "admin-2", "support ticket 9")
	require.NoError(t, err)
	assert.Equal(t, "user-1", ctx.ActorID)
	assert.Equal(t, "req-1", ctx.RequestID)
	assert.Equal(t, "203.0.113.7", ctx.IPAddress)
	assert.Equal(t, "curl/8.0", ctx.UserAgent)
	assert.Equal(t, "admin-2", ctx.OnBehalfOf)
	assert.Equal(t, "support ticket 9", ctx.Reason)
}

func TestNew_AcceptsEmptyIP(t *testing.T) {
	ctx, err := actorctx.New("user-1", "req-1", "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "", ctx.IPAddress)
}

func TestNew_RejectsMalformedIP(t *testing.T) {
	_, err := actorctx.New("user-1", "req-1", "not-an-ip", "", "", "")
	assert.Error(t, err)
}

func TestEmpty_IsTheZeroValue(t *testing.T) {
	assert.Equal(t, actorctx.Context{}, actorctx.Empty)
}
