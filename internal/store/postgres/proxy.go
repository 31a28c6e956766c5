package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// ProxyRepo implements store.ProxyRepository with sqlx.
type ProxyRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *ProxyRepo) UpsertUserValue(ctx context.Context, v *store.UserValue) error {
	now := r.clk.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO user_values (user_id, space_id, value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, space_id)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		v.UserID, v.SpaceID, v.Value, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting user value: %w", err)
	}
	return nil
}

func (r *ProxyRepo) ListUserValues(ctx context.Context, userID, siteID uuid.UUID) ([]store.UserValue, error) {
	var values []store.UserValue
	err := sqlx.SelectContext(ctx, r.q, &values,
		`SELECT v.user_id, v.space_id, v.value, v.created_at, v.updated_at
		 FROM user_values v
		 JOIN spaces sp ON sp.id = v.space_id
		 WHERE v.user_id = $1 AND sp.site_id = $2 AND sp.deleted_at IS NULL
		 ORDER BY v.created_at ASC`,
		userID, siteID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing user values: %w", err)
	}
	return values, nil
}

func (r *ProxyRepo) UpsertSetting(ctx context.Context, s *store.ProxySetting) error {
	now := r.clk.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO proxy_settings (user_id, auction_id, max_items, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, auction_id)
		 DO UPDATE SET max_items = EXCLUDED.max_items, updated_at = EXCLUDED.updated_at`,
		s.UserID, s.AuctionID, s.MaxItems, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting proxy setting: %w", err)
	}
	return nil
}

func (r *ProxyRepo) GetSetting(ctx context.Context, auctionID, userID uuid.UUID) (*store.ProxySetting, error) {
	var s store.ProxySetting
	err := sqlx.GetContext(ctx, r.q, &s,
		`SELECT * FROM proxy_settings WHERE auction_id = $1 AND user_id = $2`,
		auctionID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting proxy setting: %w", err)
	}
	return &s, nil
}

func (r *ProxyRepo) ListSettings(ctx context.Context, auctionID uuid.UUID) ([]store.ProxySetting, error) {
	var settings []store.ProxySetting
	err := sqlx.SelectContext(ctx, r.q, &settings,
		`SELECT * FROM proxy_settings WHERE auction_id = $1 ORDER BY created_at ASC`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing proxy settings: %w", err)
	}
	return settings, nil
}

// LockNextDueRound claims one open round whose proxy bids need
// (re)computing: never processed, or a subscription or declared value
// changed since the last pass, or the failure backoff expired. The
// advisory lock is transaction-scoped like LockNextDue.
func (r *ProxyRepo) LockNextDueRound(ctx context.Context) (*store.AuctionRound, error) {
	now := r.clk.Now().UTC()
	var round store.AuctionRound
	err := sqlx.GetContext(ctx, r.q, &round,
		`SELECT r.* FROM auction_rounds r
		 JOIN auctions a ON a.id = r.auction_id
		 WHERE a.end_at IS NULL
		   AND r.start_at <= $1 AND $1 < r.end_at
		   AND (
		     r.proxy_last_processed_at IS NULL
		     OR EXISTS (
		       SELECT 1 FROM proxy_settings ps
		       WHERE ps.auction_id = a.id AND ps.updated_at > r.proxy_last_processed_at
		     )
		     OR EXISTS (
		       SELECT 1 FROM user_values v
		       JOIN spaces sp ON sp.id = v.space_id
		       WHERE sp.site_id = a.site_id AND v.updated_at > r.proxy_last_processed_at
		     )
		   )
		   AND (r.proxy_failure_count = 0
		     OR r.proxy_last_failed_at IS NULL
		     OR $1 > r.proxy_last_failed_at
		       + (interval '5 minutes' * power(2, LEAST(r.proxy_failure_count, 5))))
		   AND pg_try_advisory_xact_lock(hashtextextended('proxy_bidding:' || r.id::text, 0))
		 ORDER BY random()
		 LIMIT 1`,
		now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locking next proxy round: %w", err)
	}
	return &round, nil
}

func (r *ProxyRepo) MarkRoundProcessed(ctx context.Context, roundID uuid.UUID, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE auction_rounds
		 SET proxy_last_processed_at = $1,
		     proxy_failure_count = 0,
		     proxy_last_failed_at = NULL,
		     updated_at = $2
		 WHERE id = $3`,
		at.UTC(), r.clk.Now().UTC(), roundID,
	)
	if err != nil {
		return fmt.Errorf("marking proxy round processed: %w", err)
	}
	return nil
}

func (r *ProxyRepo) RecordRoundFailure(ctx context.Context, roundID uuid.UUID) error {
	now := r.clk.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`UPDATE auction_rounds
		 SET proxy_failure_count = proxy_failure_count + 1,
		     proxy_last_failed_at = $1,
		     updated_at = $1
		 WHERE id = $2`,
		now, roundID,
	)
	if err != nil {
		return fmt.Errorf("recording proxy round failure: %w", err)
	}
	return nil
}
