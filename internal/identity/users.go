package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/validate"
)

// CreateUser inserts a new user, normalizing and validating email and
// (when non-empty) password hash before the insert. Emits user_created.
func (s *Store) CreateUser(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, email, passwordHash string) (User, error) {
	if err := validate.Namespace("namespace", namespace); err != nil {
		return User{}, err
	}
	normEmail, err := validate.Email("email", email)
	if err != nil {
		return User{}, err
	}
	if err := validate.Hash("password_hash", passwordHash, true); err != nil {
		return User{}, err
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO users (id, namespace, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, namespace, email, password_hash, email_verified_at, disabled_at, created_at, updated_at`,
		dbctx.ToPGUUID(id), namespace, normEmail, nullIfEmpty(passwordHash))
	u, err := scanUser(row)
	if err != nil {
		return User{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "user_created",
		ResourceType: "user", ResourceID: u.ID.String(),
	}); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetOrCreateUser returns the user with this email in namespace,
// creating it when absent; the bool reports whether it was created, and
// the user's DisabledAt reports whether it is disabled. The lookup and
// the insert are separate statements: when a concurrent transaction
// creates the same email first, the insert fails on the
// (namespace, email) unique constraint instead of returning that user.
func (s *Store) GetOrCreateUser(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace, email, passwordHash string) (User, bool, error) {
	if err := validate.Namespace("namespace", namespace); err != nil {
		return User{}, false, err
	}
	normEmail, err := validate.Email("email", email)
	if err != nil {
		return User{}, false, err
	}

	existing, err := s.getUserByEmailTx(ctx, tx, namespace, normEmail)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, err
	}

	u, err := s.CreateUser(ctx, tx, actor, namespace, normEmail, passwordHash)
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

func (s *Store) GetUserByID(ctx context.Context, namespace string, id uuid.UUID) (User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, namespace, email, password_hash, email_verified_at, disabled_at, created_at, updated_at
		FROM users WHERE namespace = $1 AND id = $2`, namespace, dbctx.ToPGUUID(id))
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, namespace, email string) (User, error) {
	normEmail, err := validate.Email("email", email)
	if err != nil {
		return User{}, err
	}
	return s.getUserByEmailTx(ctx, s.pool, namespace, normEmail)
}

func (s *Store) getUserByEmailTx(ctx context.Context, q dbctx.DBTX, namespace, normEmail string) (User, error) {
	row := q.QueryRow(ctx, `
		SELECT id, namespace, email, password_hash, email_verified_at, disabled_at, created_at, updated_at
		FROM users WHERE namespace = $1 AND email = $2`, namespace, normEmail)
	return scanUser(row)
}

// GetCredentials is the only function in this package permitted to
// return a password hash, per spec §4.3 and §9's sensitive-fields note.
func (s *Store) GetCredentials(ctx context.Context, namespace string, id uuid.UUID) (Credentials, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, password_hash, disabled_at FROM users WHERE namespace = $1 AND id = $2`,
		namespace, dbctx.ToPGUUID(id))
	var pgID pgtype.UUID
	var hash *string
	var disabledAt *time.Time
	if err := row.Scan(&pgID, &hash, &disabledAt); err != nil {
		return Credentials{}, err
	}
	c := Credentials{UserID: dbctx.FromPGUUID(pgID), DisabledAt: disabledAt}
	if hash != nil {
		c.PasswordHash = *hash
	}
	return c, nil
}

// UpdateUser updates email and/or password hash, whichever is non-empty.
func (s *Store) UpdateUser(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID, email, passwordHash string) (User, error) {
	normEmail := ""
	if email != "" {
		var err error
		normEmail, err = validate.Email("email", email)
		if err != nil {
			return User{}, err
		}
	}
	if passwordHash != "" {
		if err := validate.Hash("password_hash", passwordHash, true); err != nil {
			return User{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE users SET
			email = COALESCE(NULLIF($3, ''), email),
			password_hash = COALESCE(NULLIF($4, ''), password_hash),
			updated_at = now()
		WHERE namespace = $1 AND id = $2
		RETURNING id, namespace, email, password_hash, email_verified_at, disabled_at, created_at, updated_at`,
		namespace, dbctx.ToPGUUID(id), normEmail, passwordHash)
	u, err := scanUser(row)
	if err != nil {
		return User{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "user_updated",
		ResourceType: "user", ResourceID: u.ID.String(),
	}); err != nil {
		return User{}, err
	}
	return u, nil
}

// DisableUser sets disabled_at and revokes every active session of the
// user atomically, per spec §3's User lifecycle note.
func (s *Store) DisableUser(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE users SET disabled_at = now(), updated_at = now() WHERE namespace = $1 AND id = $2 AND disabled_at IS NULL`,
		namespace, dbctx.ToPGUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return validate.Invalid("id", "user not found or already disabled")
	}

	if _, err := tx.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE namespace = $1 AND user_id = $2 AND revoked_at IS NULL`,
		namespace, dbctx.ToPGUUID(id)); err != nil {
		return err
	}

	return audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "user_disabled",
		ResourceType: "user", ResourceID: id.String(),
	})
}

// DeleteUser cascades to sessions, tokens, MFA enrolments, API keys,
// and refresh tokens via foreign-key ON DELETE CASCADE.
func (s *Store) DeleteUser(ctx context.Context, tx pgx.Tx, actor actorctx.Context, namespace string, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `DELETE FROM users WHERE namespace = $1 AND id = $2`, namespace, dbctx.ToPGUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return validate.Invalid("id", "user not found")
	}

	return audit.Emit(ctx, tx, audit.DomainAuthn, actor, audit.Event{
		Namespace: namespace, EventType: "user_deleted",
		ResourceType: "user", ResourceID: id.String(),
	})
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	var pgID pgtype.UUID
	var verifiedAt, disabledAt *time.Time
	var hash *string
	if err := row.Scan(&pgID, &u.Namespace, &u.Email, &hash, &verifiedAt, &disabledAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	// The hash column is scanned but not copied into the User: only
	// GetCredentials returns it.
	u.ID = dbctx.FromPGUUID(pgID)
	u.EmailVerifiedAt, u.DisabledAt = verifiedAt, disabledAt
	return u, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
