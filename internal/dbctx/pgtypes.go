package dbctx

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// The helpers in this file convert between google/uuid.UUID (the type
// every domain package exposes publicly, matching the teacher's own
// db.User.ID usage pattern) and pgx's pgtype wrappers (the type pgx
// binds to query parameters and scans rows into), the same
// uuid.UUID(x.Bytes) / pgtype.UUID{Bytes: x, Valid: ...} round trip
// the teacher uses throughout internal/auth/service.go.

func ToPGUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func FromPGUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return uuid.UUID(id.Bytes)
}

func ToPGText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func FromPGText(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}

func ToPGTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func FromPGTimestamptz(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// OptionalTime returns a non-nil *time.Time when the pgtype value is
// valid, otherwise nil — used for fields like expires_at/revoked_at
// that are genuinely optional on a domain struct.
func OptionalTime(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// OptionalUUID returns a non-nil *uuid.UUID when the pgtype value is
// valid, otherwise nil — used for nullable UUID columns like
// metering_accounts.user_id, where SQL NULL marks a platform-level
// account and is kept apart from any UUID value, uuid.Nil included.
func OptionalUUID(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := uuid.UUID(id.Bytes)
	return &u
}

func ToPGTimestamptzPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
