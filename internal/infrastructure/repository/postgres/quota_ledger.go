package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

const pgUniqueViolation = "23505"

// QuotaLedger implements both the reservation side (ports.QuotaLedger) and
// the reconciliation side (ports.SubscriptionLedger) against the same row,
// which makes Postgres row locking the per-user serialization point.
type QuotaLedger struct {
	db        *sql.DB
	freeLimit int
	period    time.Duration
}

func NewQuotaLedger(db *sql.DB, freeLimit, periodDays int) *QuotaLedger {
	if freeLimit <= 0 {
		freeLimit = 5
	}
	if periodDays <= 0 {
		periodDays = 7
	}
	return &QuotaLedger{
		db:        db,
		freeLimit: freeLimit,
		period:    time.Duration(periodDays) * 24 * time.Hour,
	}
}

// TryReserveUpload performs the limit check and the increment in one
// conditional UPDATE, so concurrent reservations for the same user cannot
// both pass a stale check. A period older than the window is rolled over
// inside the same statement.
func (l *QuotaLedger) TryReserveUpload(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	windowStart := now.Add(-l.period)

	_, err := l.db.ExecContext(ctx, `
INSERT INTO quota_ledger (user_id, tier, period_upload_count, period_start, upload_limit, updated_at)
VALUES ($1, $2, 0, $3, $4, $3)
ON CONFLICT (user_id) DO NOTHING
`, userID, string(domain.TierFree), now, l.freeLimit)
	if err != nil {
		return fmt.Errorf("ensure ledger entry: %w", err)
	}

	result, err := l.db.ExecContext(ctx, `
UPDATE quota_ledger
SET period_upload_count = CASE WHEN period_start <= $2 THEN 1 ELSE period_upload_count + 1 END,
    period_start = CASE WHEN period_start <= $2 THEN $3 ELSE period_start END,
    updated_at = $3
WHERE user_id = $1
  AND (tier = $4 OR period_start <= $2 OR period_upload_count < upload_limit)
`, userID, windowStart, now, string(domain.TierPremium))
	if err != nil {
		return fmt.Errorf("reserve upload slot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve upload rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(
			domain.ErrQuotaExceeded,
			"reserve upload slot",
			fmt.Errorf("user=%s limit=%d", userID, l.freeLimit),
		)
	}
	return nil
}

// Release restores a slot after a failed document creation. Floored at zero
// so a release after the period rolled over cannot go negative.
func (l *QuotaLedger) Release(ctx context.Context, userID string) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE quota_ledger
SET period_upload_count = GREATEST(period_upload_count - 1, 0),
    updated_at = $2
WHERE user_id = $1
`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release upload slot: %w", err)
	}
	return nil
}

func (l *QuotaLedger) GetEntry(ctx context.Context, userID string) (*domain.LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT user_id, tier, period_upload_count, period_start, upload_limit, updated_at
FROM quota_ledger
WHERE user_id = $1
`, userID)

	var entry domain.LedgerEntry
	var tier string
	err := row.Scan(&entry.UserID, &tier, &entry.PeriodUploadCount, &entry.PeriodStart, &entry.UploadLimit, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get ledger entry", fmt.Errorf("user=%s", userID))
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	entry.Tier = domain.Tier(tier)
	return &entry, nil
}

// ApplyTier records the processed-order marker and the tier change in one
// transaction. A redelivered order hits the primary key on processed_orders
// and surfaces as domain.ErrDuplicateEvent without touching the ledger.
func (l *QuotaLedger) ApplyTier(ctx context.Context, userID string, tier domain.Tier, orderID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tier tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO processed_orders (order_id, user_id, applied_at)
VALUES ($1, $2, $3)
`, orderID, userID, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.WrapError(domain.ErrDuplicateEvent, "record processed order", fmt.Errorf("order=%s", orderID))
		}
		return fmt.Errorf("record processed order: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_ledger (user_id, tier, period_upload_count, period_start, upload_limit, updated_at)
VALUES ($1, $2, 0, $3, $4, $3)
ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at
`, userID, string(tier), now, l.freeLimit); err != nil {
		return fmt.Errorf("apply tier: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tier tx: %w", err)
	}
	return nil
}
