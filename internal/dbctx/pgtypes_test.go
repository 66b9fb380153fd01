package dbctx_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"

	"github.com/lavente-platform/iam-core/internal/dbctx"
)

func TestUUIDRoundTrip(t *testing.T) {
	id := uuid.New()
	pg := dbctx.ToPGUUID(id)
	assert.True(t, pg.Valid)
	assert.Equal(t, id, dbctx.FromPGUUID(pg))
}

func TestToPGUUID_NilUUIDIsMarkedInvalid(t *testing.T) {
	pg := dbctx.ToPGUUID(uuid.Nil)
	assert.False(t, pg.Valid, "uuid.Nil round-trips through ToPGUUID as SQL NULL")
	assert.Equal(t, uuid.Nil, dbctx.FromPGUUID(pg))
}

func TestOptionalUUID_DistinguishesNullFromNilUUID(t *testing.T) {
	nullValue := pgtype.UUID{Valid: false}
	assert.Nil(t, dbctx.OptionalUUID(nullValue))

	nilUUIDValue := pgtype.UUID{Bytes: uuid.Nil, Valid: true}
	got := dbctx.OptionalUUID(nilUUIDValue)
	if assert.NotNil(t, got) {
		assert.Equal(t, uuid.Nil, *got)
	}
}

func TestTextRoundTrip(t *testing.T) {
	assert.Equal(t, "hello", dbctx.FromPGText(dbctx.ToPGText("hello")))
	assert.False(t, dbctx.ToPGText("").Valid)
	assert.Equal(t, "", dbctx.FromPGText(dbctx.ToPGText("")))
}

func TestTimestamptzRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Microsecond)
	pg := dbctx.ToPGTimestamptz(now)
	assert.True(t, pg.Valid)
	assert.True(t, now.Equal(dbctx.FromPGTimestamptz(pg)))

	assert.False(t, dbctx.ToPGTimestamptz(time.Time{}).Valid)
}

func TestOptionalTime(t *testing.T) {
	assert.Nil(t, dbctx.OptionalTime(pgtype.Timestamptz{Valid: false}))

	now := time.Now()
	got := dbctx.OptionalTime(pgtype.Timestamptz{Time: now, Valid: true})
	if assert.NotNil(t, got) {
		assert.True(t, now.Equal(*got))
	}
}

func TestAdvisoryLockKey_IsDeterministicAndKeyedOnBothParts(t *testing.T) {
	a := dbctx.AdvisoryLockKey("acme", "folder:root")
	b := dbctx.AdvisoryLockKey("acme", "folder:root")
	assert.Equal(t, a, b, "the same (namespace, endpoint) pair must hash to the same key")

	c := dbctx.AdvisoryLockKey("acme", "folder:other")
	assert.NotEqual(t, a, c)

	d := dbctx.AdvisoryLockKey("other-namespace", "folder:root")
	assert.NotEqual(t, a, d, "namespace must be part of the key, not just the endpoint")
}
