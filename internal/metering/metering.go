// Package metering implements the ledger of spec §4.9: allocate,
// consume, reserve/commit/release, period rollover, and reconciliation
// against three invariants — balance equals the ledger sum, reserved
// equals the sum of active reservations, available is their difference.
package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavente-platform/iam-core/internal/actorctx"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/obs"
	"github.com/lavente-platform/iam-core/internal/validate"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Key identifies a metering account: namespace, an optional owning
// user (nil for platform-level meters), event type, resource, unit.
type Key struct {
	Namespace string
	UserID    *uuid.UUID
	EventType string
	Resource  string
	Unit      string
}

func (k Key) lockKey() string {
	uid := "platform"
	if k.UserID != nil {
		uid = k.UserID.String()
	}
	return uid + "|" + k.EventType + "|" + k.Resource + "|" + k.Unit
}

type Account struct {
	Key
	Balance          int64
	Reserved         int64
	TotalCredited    int64
	TotalDebited     int64
	PeriodStart      *time.Time
	PeriodAllocation *int64
	CarryOverLimit   *int64
	UpdatedAt        time.Time
}

func (a Account) Available() int64 {
	if a.Balance-a.Reserved < 0 {
		return 0
	}
	return a.Balance - a.Reserved
}

type Reservation struct {
	ReservationID      uuid.UUID
	Key                Key
	Amount             int64
	ExpiresAt          time.Time
	Status             string
	ActualAmount       *int64
	ConsumptionEntryID *uuid.UUID
	CreatedAt          time.Time
}

type CommitResult struct {
	Released      int64
	ConsumptionID *uuid.UUID
}

type Discrepancy struct {
	Namespace string
	Kind      string
	Key       Key
	Expected  int64
	Actual    int64
}

func userIDParam(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return dbctx.ToPGUUID(*id)
}

// getOrCreateAccount locks and returns the account for key, creating a
// zeroed row if none exists.
func getOrCreateAccount(ctx context.Context, tx pgx.Tx, k Key) (Account, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO metering_accounts (namespace, user_id, event_type, resource, unit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, (COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid)), event_type, resource, unit) DO NOTHING`,
		k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
		return Account{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT namespace, user_id, event_type, resource, unit, balance, reserved, total_credited, total_debited,
			period_start, period_allocation, carry_over_limit, updated_at
		FROM metering_accounts
		WHERE namespace = $1 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($2::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
			AND event_type = $3 AND resource = $4 AND unit = $5
		FOR UPDATE`,
		k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var userID pgtype.UUID
	var periodStart *time.Time
	if err := row.Scan(&a.Namespace, &userID, &a.EventType, &a.Resource, &a.Unit,
		&a.Balance, &a.Reserved, &a.TotalCredited, &a.TotalDebited,
		&periodStart, &a.PeriodAllocation, &a.CarryOverLimit, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	a.UserID = dbctx.OptionalUUID(userID)
	a.PeriodStart = periodStart
	return a, nil
}

// findByIdempotencyKey looks up a prior ledger entry for replay.
func findLedgerByIdempotencyKey(ctx context.Context, tx pgx.Tx, namespace, idemKey string) (bool, int64, error) {
	if idemKey == "" {
		return false, 0, nil
	}
	var balanceAfter int64
	err := tx.QueryRow(ctx, `SELECT balance_after FROM metering_ledger WHERE namespace = $1 AND idempotency_key = $2`,
		namespace, idemKey).Scan(&balanceAfter)
	if err == pgx.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, balanceAfter, nil
}

// Allocate is idempotent: a positive ledger entry, account balance and
// total_credited updated, keyed under a per-account advisory lock.
func (s *Store) Allocate(ctx context.Context, tx pgx.Tx, actor actorctx.Context, k Key, amount int64, idemKey string) (Account, error) {
	if err := validateKey(k); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, validate.Invalid("amount", "must be positive")
	}
	if err := dbctx.LockKey(ctx, tx, k.Namespace, k.lockKey()); err != nil {
		return Account{}, err
	}

	if found, _, err := findLedgerByIdempotencyKey(ctx, tx, k.Namespace, idemKey); err != nil {
		return Account{}, err
	} else if found {
		return getOrCreateAccount(ctx, tx, k)
	}

	account, err := getOrCreateAccount(ctx, tx, k)
	if err != nil {
		return Account{}, err
	}
	newBalance := account.Balance + amount

	if err := insertLedgerEntry(ctx, tx, k, "allocation", amount, newBalance, idemKey, nil, actor); err != nil {
		return Account{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE metering_accounts SET balance = $1, total_credited = total_credited + $2, updated_at = now()
		WHERE namespace = $3 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($4::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
			AND event_type = $5 AND resource = $6 AND unit = $7`,
		newBalance, amount, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
		return Account{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainMeter, actor, audit.Event{
		Namespace: k.Namespace, EventType: "metering_allocated",
		ResourceType: k.EventType, ResourceID: k.Resource,
		Details: map[string]any{"amount": amount, "unit": k.Unit},
	}); err != nil {
		return Account{}, err
	}

	account.Balance = newBalance
	account.TotalCredited += amount
	return account, nil
}

type ConsumeResult struct {
	Success   bool
	Balance   int64
	Available int64
}

// Consume is idempotent; if checkBalance and available < amount it
// returns success=false without writing.
func (s *Store) Consume(ctx context.Context, tx pgx.Tx, actor actorctx.Context, k Key, amount int64, idemKey string, checkBalance bool) (ConsumeResult, error) {
	if err := validateKey(k); err != nil {
		return ConsumeResult{}, err
	}
	if amount <= 0 {
		return ConsumeResult{}, validate.Invalid("amount", "must be positive")
	}
	if err := dbctx.LockKey(ctx, tx, k.Namespace, k.lockKey()); err != nil {
		return ConsumeResult{}, err
	}

	account, err := getOrCreateAccount(ctx, tx, k)
	if err != nil {
		return ConsumeResult{}, err
	}

	if found, balanceAfter, err := findLedgerByIdempotencyKey(ctx, tx, k.Namespace, idemKey); err != nil {
		return ConsumeResult{}, err
	} else if found {
		return ConsumeResult{Success: true, Balance: balanceAfter, Available: account.Available()}, nil
	}

	if checkBalance && account.Available() < amount {
		return ConsumeResult{Success: false, Balance: account.Balance, Available: account.Available()}, nil
	}

	newBalance := account.Balance - amount
	if err := insertLedgerEntry(ctx, tx, k, "consumption", -amount, newBalance, idemKey, nil, actor); err != nil {
		return ConsumeResult{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE metering_accounts SET balance = $1, total_debited = total_debited + $2, updated_at = now()
		WHERE namespace = $3 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($4::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
			AND event_type = $5 AND resource = $6 AND unit = $7`,
		newBalance, amount, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
		return ConsumeResult{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainMeter, actor, audit.Event{
		Namespace: k.Namespace, EventType: "metering_consumed",
		ResourceType: k.EventType, ResourceID: k.Resource,
		Details: map[string]any{"amount": amount, "unit": k.Unit},
	}); err != nil {
		return ConsumeResult{}, err
	}

	return ConsumeResult{Success: true, Balance: newBalance, Available: newBalance - account.Reserved}, nil
}

type ReserveResult struct {
	Granted       bool
	ReservationID uuid.UUID
	Active        bool
}

// Reserve writes no ledger entry; it only moves capacity into the
// reserved bucket, per spec §4.9.
func (s *Store) Reserve(ctx context.Context, tx pgx.Tx, actor actorctx.Context, k Key, amount int64, ttl time.Duration, idemKey string) (ReserveResult, error) {
	if err := validateKey(k); err != nil {
		return ReserveResult{}, err
	}
	if k.UserID == nil {
		return ReserveResult{}, validate.Invalid("user_id", "reservations require an owning user")
	}
	if amount <= 0 {
		return ReserveResult{}, validate.Invalid("amount", "must be positive")
	}
	if err := dbctx.LockKey(ctx, tx, k.Namespace, k.lockKey()); err != nil {
		return ReserveResult{}, err
	}

	if idemKey != "" {
		var id uuid.UUID
		var status string
		var pgID pgtype.UUID
		err := tx.QueryRow(ctx, `SELECT reservation_id, status FROM metering_reservations WHERE namespace = $1 AND idempotency_key = $2`,
			k.Namespace, idemKey).Scan(&pgID, &status)
		if err == nil {
			id = dbctx.FromPGUUID(pgID)
			return ReserveResult{Granted: true, ReservationID: id, Active: status == "active"}, nil
		}
		if err != pgx.ErrNoRows {
			return ReserveResult{}, err
		}
	}

	account, err := getOrCreateAccount(ctx, tx, k)
	if err != nil {
		return ReserveResult{}, err
	}
	if account.Available() < amount {
		return ReserveResult{Granted: false}, nil
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO metering_reservations (namespace, user_id, event_type, resource, unit, amount, expires_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, now() + $7::interval, $8)
		RETURNING reservation_id`,
		k.Namespace, dbctx.ToPGUUID(*k.UserID), k.EventType, k.Resource, k.Unit, amount, ttl.String(), nullIfEmpty(idemKey))
	var reservationID uuid.UUID
	var pgID pgtype.UUID
	if err := row.Scan(&pgID); err != nil {
		return ReserveResult{}, err
	}
	reservationID = dbctx.FromPGUUID(pgID)

	if _, err := tx.Exec(ctx, `
		UPDATE metering_accounts SET reserved = reserved + $1, updated_at = now()
		WHERE namespace = $2 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($3::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
			AND event_type = $4 AND resource = $5 AND unit = $6`,
		amount, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
		return ReserveResult{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainMeter, actor, audit.Event{
		Namespace: k.Namespace, EventType: "metering_reserved",
		ResourceType: k.EventType, ResourceID: k.Resource,
		Details: map[string]any{"amount": amount, "unit": k.Unit, "reservation_id": reservationID.String()},
	}); err != nil {
		return ReserveResult{}, err
	}

	return ReserveResult{Granted: true, ReservationID: reservationID, Active: true}, nil
}

// Commit locks the active reservation, inserts a consumption entry for
// actual (if positive), and releases the unused remainder.
func (s *Store) Commit(ctx context.Context, tx pgx.Tx, actor actorctx.Context, reservationID uuid.UUID, actual int64) (CommitResult, error) {
	if actual < 0 {
		return CommitResult{}, validate.Invalid("actual_amount", "must not be negative")
	}

	res, k, err := lockActiveReservation(ctx, tx, reservationID)
	if err != nil {
		return CommitResult{}, err
	}

	released := res.Amount - actual
	if released < 0 {
		released = 0
	}

	var consumptionID *uuid.UUID
	if actual > 0 {
		account, err := getOrCreateAccount(ctx, tx, k)
		if err != nil {
			return CommitResult{}, err
		}
		newBalance := account.Balance - actual
		if err := insertLedgerEntry(ctx, tx, k, "consumption", -actual, newBalance, "", &reservationID, actor); err != nil {
			return CommitResult{}, err
		}
		var entryID pgtype.UUID
		if err := tx.QueryRow(ctx, `
			SELECT id FROM metering_ledger WHERE namespace = $1 AND reservation_id = $2 AND entry_type = 'consumption'`,
			k.Namespace, dbctx.ToPGUUID(reservationID)).Scan(&entryID); err != nil {
			return CommitResult{}, err
		}
		id := dbctx.FromPGUUID(entryID)
		consumptionID = &id
		if _, err := tx.Exec(ctx, `
			UPDATE metering_accounts SET balance = $1, total_debited = total_debited + $2, reserved = reserved - $3, updated_at = now()
			WHERE namespace = $4 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($5::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
				AND event_type = $6 AND resource = $7 AND unit = $8`,
			newBalance, actual, res.Amount, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
			return CommitResult{}, err
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE metering_accounts SET reserved = reserved - $1, updated_at = now()
			WHERE namespace = $2 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($3::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
				AND event_type = $4 AND resource = $5 AND unit = $6`,
			res.Amount, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
			return CommitResult{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE metering_reservations SET status = 'committed', actual_amount = $1, consumption_entry_id = $2
		WHERE reservation_id = $3`, actual, pgUUIDPtr(consumptionID), dbctx.ToPGUUID(reservationID)); err != nil {
		return CommitResult{}, err
	}

	if err := audit.Emit(ctx, tx, audit.DomainMeter, actor, audit.Event{
		Namespace: k.Namespace, EventType: "metering_committed",
		ResourceType: k.EventType, ResourceID: k.Resource,
		Details: map[string]any{"reservation_id": reservationID.String(), "actual": actual, "released": released},
	}); err != nil {
		return CommitResult{}, err
	}

	return CommitResult{Released: released, ConsumptionID: consumptionID}, nil
}

// Release cancels an active reservation with no ledger entry.
func (s *Store) Release(ctx context.Context, tx pgx.Tx, actor actorctx.Context, reservationID uuid.UUID) error {
	res, k, err := lockActiveReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE metering_reservations SET status = 'released' WHERE reservation_id = $1`, dbctx.ToPGUUID(reservationID)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE metering_accounts SET reserved = reserved - $1, updated_at = now()
		WHERE namespace = $2 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($3::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
			AND event_type = $4 AND resource = $5 AND unit = $6`,
		res.Amount, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
		return err
	}

	return audit.Emit(ctx, tx, audit.DomainMeter, actor, audit.Event{
		Namespace: k.Namespace, EventType: "metering_released",
		ResourceType: k.EventType, ResourceID: k.Resource,
		Details: map[string]any{"reservation_id": reservationID.String()},
	})
}

func lockActiveReservation(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (Reservation, Key, error) {
	row := tx.QueryRow(ctx, `
		SELECT namespace, user_id, event_type, resource, unit, amount, expires_at, status
		FROM metering_reservations WHERE reservation_id = $1 FOR UPDATE`, dbctx.ToPGUUID(reservationID))

	var res Reservation
	var k Key
	var userID pgtype.UUID
	if err := row.Scan(&k.Namespace, &userID, &k.EventType, &k.Resource, &k.Unit, &res.Amount, &res.ExpiresAt, &res.Status); err != nil {
		if err == pgx.ErrNoRows {
			return Reservation{}, Key{}, &validate.Error{Kind: validate.NotFound, Field: "reservation_id", Message: "no such reservation"}
		}
		return Reservation{}, Key{}, err
	}
	k.UserID = dbctx.OptionalUUID(userID)
	if res.Status != "active" {
		return Reservation{}, Key{}, validate.InvalidParam("reservation_id", "reservation is not active")
	}
	res.Key = k
	res.ReservationID = reservationID
	return res, k, nil
}

// ReleaseExpiredReservations sweeps active reservations past their
// expiry, skipping rows already locked by another worker.
func (s *Store) ReleaseExpiredReservations(ctx context.Context, actor actorctx.Context, namespace string) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reservation_id FROM metering_reservations
		WHERE status = 'active' AND expires_at <= now() AND ($1 = '' OR namespace = $1)
		FOR UPDATE SKIP LOCKED`, namespace)
	if err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var pgID pgtype.UUID
		if err := rows.Scan(&pgID); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, dbctx.FromPGUUID(pgID))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		err := dbctx.WithSystemTx(ctx, s.pool, func(tx pgx.Tx) error {
			return s.Release(ctx, tx, actor, id)
		})
		if err != nil {
			obs.CaptureSweepError(s.logger, "release_expired_reservations", err)
			continue
		}
		released++
	}
	return released, nil
}

// OpenPeriod inserts an allocation entry and sets period_start.
func (s *Store) OpenPeriod(ctx context.Context, tx pgx.Tx, actor actorctx.Context, k Key, periodStart time.Time, allocation *int64) (Account, error) {
	account, err := getOrCreateAccount(ctx, tx, k)
	if err != nil {
		return Account{}, err
	}
	if allocation != nil && *allocation > 0 {
		account, err = s.Allocate(ctx, tx, actor, k, *allocation, "")
		if err != nil {
			return Account{}, err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE metering_accounts SET period_start = $1, period_allocation = $2, updated_at = now()
		WHERE namespace = $3 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($4::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
			AND event_type = $5 AND resource = $6 AND unit = $7`,
		periodStart, allocation, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
		return Account{}, err
	}
	account.PeriodStart = &periodStart
	account.PeriodAllocation = allocation
	return account, nil
}

// ClosePeriod carries forward min(available, carry_over_limit) and
// expires the remainder.
func (s *Store) ClosePeriod(ctx context.Context, tx pgx.Tx, actor actorctx.Context, k Key) (Account, error) {
	if err := dbctx.LockKey(ctx, tx, k.Namespace, k.lockKey()); err != nil {
		return Account{}, err
	}
	account, err := getOrCreateAccount(ctx, tx, k)
	if err != nil {
		return Account{}, err
	}

	available := account.Available()
	carry := available
	if account.CarryOverLimit != nil && *account.CarryOverLimit < available {
		carry = *account.CarryOverLimit
	}
	expire := available - carry

	if expire > 0 {
		newBalance := account.Balance - expire
		if err := insertLedgerEntry(ctx, tx, k, "expiration", -expire, newBalance, "", nil, actor); err != nil {
			return Account{}, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE metering_accounts SET balance = $1, updated_at = now()
			WHERE namespace = $2 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($3::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
				AND event_type = $4 AND resource = $5 AND unit = $6`,
			newBalance, k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit); err != nil {
			return Account{}, err
		}
		account.Balance = newBalance
	}

	if err := audit.Emit(ctx, tx, audit.DomainMeter, actor, audit.Event{
		Namespace: k.Namespace, EventType: "metering_period_closed",
		ResourceType: k.EventType, ResourceID: k.Resource,
		Details: map[string]any{"carried_over": carry, "expired": expire},
	}); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Reconcile checks invariants I1/I2 for every account in namespace and
// reports discrepancies; it never mutates, per spec §4.9.
func (s *Store) Reconcile(ctx context.Context, namespace string) ([]Discrepancy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.namespace, a.user_id, a.event_type, a.resource, a.unit, a.balance, a.reserved,
			COALESCE((SELECT SUM(l.amount) FROM metering_ledger l
				WHERE l.namespace = a.namespace
					AND COALESCE(l.user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE(a.user_id, '00000000-0000-0000-0000-000000000000'::uuid)
					AND l.event_type = a.event_type AND l.resource = a.resource AND l.unit = a.unit), 0),
			COALESCE((SELECT SUM(r.amount) FROM metering_reservations r
				WHERE r.namespace = a.namespace AND r.user_id = a.user_id
					AND r.event_type = a.event_type AND r.resource = a.resource AND r.unit = a.unit AND r.status = 'active'), 0)
		FROM metering_accounts a WHERE a.namespace = $1`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Discrepancy
	for rows.Next() {
		var k Key
		var userID pgtype.UUID
		var balance, reserved, ledgerSum, reservedSum int64
		if err := rows.Scan(&k.Namespace, &userID, &k.EventType, &k.Resource, &k.Unit, &balance, &reserved, &ledgerSum, &reservedSum); err != nil {
			return nil, err
		}
		k.UserID = dbctx.OptionalUUID(userID)
		if balance != ledgerSum {
			d := Discrepancy{Namespace: namespace, Kind: "balance_mismatch", Key: k, Expected: ledgerSum, Actual: balance}
			out = append(out, d)
			obs.CaptureInvariant(s.logger, namespace, d.Kind, map[string]any{"event_type": k.EventType, "resource": k.Resource, "unit": k.Unit, "expected": ledgerSum, "actual": balance})
		}
		if reserved != reservedSum {
			d := Discrepancy{Namespace: namespace, Kind: "reserved_mismatch", Key: k, Expected: reservedSum, Actual: reserved}
			out = append(out, d)
			obs.CaptureInvariant(s.logger, namespace, d.Kind, map[string]any{"event_type": k.EventType, "resource": k.Resource, "unit": k.Unit, "expected": reservedSum, "actual": reserved})
		}
	}
	return out, rows.Err()
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, k Key, entryType string, amount, balanceAfter int64, idemKey string, reservationID *uuid.UUID, actor actorctx.Context) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO metering_ledger (namespace, user_id, event_type, resource, unit, entry_type, amount, balance_after, idempotency_key, reservation_id, actor_id, actor_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		k.Namespace, userIDParam(k.UserID), k.EventType, k.Resource, k.Unit, entryType, amount, balanceAfter,
		nullIfEmpty(idemKey), pgUUIDPtr(reservationID), nullIfEmpty(actor.ActorID), nullIfEmpty(actor.RequestID))
	return err
}

func validateKey(k Key) error {
	if err := validate.Namespace("namespace", k.Namespace); err != nil {
		return err
	}
	if err := validate.Identifier("event_type", k.EventType); err != nil {
		return err
	}
	if err := validate.ID("resource", k.Resource); err != nil {
		return err
	}
	if err := validate.Identifier("unit", k.Unit); err != nil {
		return err
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func pgUUIDPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return dbctx.ToPGUUID(*id)
}
