package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// uniqueViolation is the Postgres error code for unique-constraint failures.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *AuctionRepo) CreateParams(ctx context.Context, p *store.AuctionParams) error {
	p.ID = uuid.New()
	p.CreatedAt = r.clk.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO auction_params (id, round_duration, bid_increment, activity_rule, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, int64(p.RoundDuration), p.BidIncrement, p.Progression, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating auction params: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetParams(ctx context.Context, id uuid.UUID) (*store.AuctionParams, error) {
	var p store.AuctionParams
	err := sqlx.GetContext(ctx, r.q, &p, `SELECT * FROM auction_params WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrParamsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction params: %w", err)
	}
	return &p, nil
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	now := r.clk.Now().UTC()
	a.ID = uuid.New()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO auctions (id, site_id, params_id, possession_start_at, possession_end_at, start_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.SiteID, a.ParamsID, a.PossessionStartAt, a.PossessionEndAt, a.StartAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id uuid.UUID) (*store.Auction, error) {
	var a store.Auction
	err := sqlx.GetContext(ctx, r.q, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) Conclude(ctx context.Context, id uuid.UUID, endAt time.Time) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE auctions SET end_at = $1, updated_at = $2 WHERE id = $3 AND end_at IS NULL`,
		endAt, r.clk.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("concluding auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrAuctionConcluded
	}
	return nil
}

// LockNextDue claims one auction needing processing. The advisory lock is
// transaction-scoped, so callers must run inside InTx and keep that
// transaction open while the auction processes elsewhere. Claiming order
// is randomized so concurrent schedulers spread across auctions.
func (r *AuctionRepo) LockNextDue(ctx context.Context) (*store.Auction, error) {
	now := r.clk.Now().UTC()
	var a store.Auction
	err := sqlx.GetContext(ctx, r.q, &a,
		`SELECT * FROM auctions a
		 WHERE a.start_at <= $1
		   AND a.end_at IS NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM auction_rounds r
		     WHERE r.auction_id = a.id AND r.end_at > $1
		   )
		   AND (a.scheduler_failure_count = 0
		     OR a.scheduler_last_failed_at IS NULL
		     OR $1 > a.scheduler_last_failed_at
		       + (interval '5 minutes' * power(2, LEAST(a.scheduler_failure_count, 5))))
		   AND pg_try_advisory_xact_lock(hashtextextended('auction_processing:' || a.id::text, 0))
		 ORDER BY random()
		 LIMIT 1`,
		now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locking next due auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) RecordFailure(ctx context.Context, id uuid.UUID) error {
	now := r.clk.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`UPDATE auctions
		 SET scheduler_failure_count = scheduler_failure_count + 1,
		     scheduler_last_failed_at = $1,
		     updated_at = $1
		 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("recording auction failure: %w", err)
	}
	return nil
}

func (r *AuctionRepo) ClearFailures(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE auctions
		 SET scheduler_failure_count = 0,
		     scheduler_last_failed_at = NULL,
		     updated_at = $1
		 WHERE id = $2`,
		r.clk.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clearing auction failures: %w", err)
	}
	return nil
}

func (r *AuctionRepo) CreateRound(ctx context.Context, round *store.AuctionRound) error {
	now := r.clk.Now().UTC()
	round.ID = uuid.New()
	round.CreatedAt = now
	round.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO auction_rounds (id, auction_id, round_num, start_at, end_at, eligibility_threshold, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		round.ID, round.AuctionID, round.RoundNum, round.StartAt, round.EndAt,
		round.EligibilityThreshold, round.CreatedAt, round.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating round: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetRound(ctx context.Context, id uuid.UUID) (*store.AuctionRound, error) {
	var round store.AuctionRound
	err := sqlx.GetContext(ctx, r.q, &round, `SELECT * FROM auction_rounds WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting round: %w", err)
	}
	return &round, nil
}

func (r *AuctionRepo) GetRoundByNum(ctx context.Context, auctionID uuid.UUID, roundNum int64) (*store.AuctionRound, error) {
	var round store.AuctionRound
	err := sqlx.GetContext(ctx, r.q, &round,
		`SELECT * FROM auction_rounds WHERE auction_id = $1 AND round_num = $2`,
		auctionID, roundNum,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting round by number: %w", err)
	}
	return &round, nil
}

func (r *AuctionRepo) LatestRound(ctx context.Context, auctionID uuid.UUID) (*store.AuctionRound, error) {
	var round store.AuctionRound
	err := sqlx.GetContext(ctx, r.q, &round,
		`SELECT * FROM auction_rounds WHERE auction_id = $1 ORDER BY round_num DESC LIMIT 1`,
		auctionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest round: %w", err)
	}
	return &round, nil
}

func (r *AuctionRepo) CreateBid(ctx context.Context, b *store.Bid) error {
	b.CreatedAt = r.clk.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO bids (space_id, round_id, user_id, created_at) VALUES ($1, $2, $3, $4)`,
		b.SpaceID, b.RoundID, b.UserID, b.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateBid
	}
	if err != nil {
		return fmt.Errorf("creating bid: %w", err)
	}
	return nil
}

func (r *AuctionRepo) DeleteBid(ctx context.Context, spaceID, roundID, userID uuid.UUID) error {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM bids WHERE space_id = $1 AND round_id = $2 AND user_id = $3`,
		spaceID, roundID, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting bid: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrBidNotFound
	}
	return nil
}

func (r *AuctionRepo) DeleteUserBidsInRound(ctx context.Context, roundID, userID uuid.UUID) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM bids WHERE round_id = $1 AND user_id = $2`,
		roundID, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting user bids: %w", err)
	}
	return nil
}

func (r *AuctionRepo) ListBidsForRound(ctx context.Context, roundID uuid.UUID) ([]store.Bid, error) {
	var bids []store.Bid
	err := sqlx.SelectContext(ctx, r.q, &bids,
		`SELECT * FROM bids WHERE round_id = $1 ORDER BY created_at ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

func (r *AuctionRepo) ListUserBidsInRound(ctx context.Context, roundID, userID uuid.UUID) ([]store.Bid, error) {
	var bids []store.Bid
	err := sqlx.SelectContext(ctx, r.q, &bids,
		`SELECT * FROM bids WHERE round_id = $1 AND user_id = $2 ORDER BY created_at ASC`,
		roundID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing user bids: %w", err)
	}
	return bids, nil
}

func (r *AuctionRepo) CreateResult(ctx context.Context, res *store.RoundSpaceResult) error {
	res.CreatedAt = r.clk.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO space_rounds (space_id, round_id, winning_user_id, value, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		res.SpaceID, res.RoundID, res.WinningUserID, res.Value, res.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateResult
	}
	if err != nil {
		return fmt.Errorf("creating round result: %w", err)
	}
	return nil
}

func (r *AuctionRepo) ListResultsForRound(ctx context.Context, roundID uuid.UUID) ([]store.RoundSpaceResult, error) {
	var results []store.RoundSpaceResult
	err := sqlx.SelectContext(ctx, r.q, &results,
		`SELECT * FROM space_rounds WHERE round_id = $1 ORDER BY created_at ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing round results: %w", err)
	}
	return results, nil
}

func (r *AuctionRepo) GetResult(ctx context.Context, spaceID, roundID uuid.UUID) (*store.RoundSpaceResult, error) {
	var res store.RoundSpaceResult
	err := sqlx.GetContext(ctx, r.q, &res,
		`SELECT * FROM space_rounds WHERE space_id = $1 AND round_id = $2`,
		spaceID, roundID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting round result: %w", err)
	}
	return &res, nil
}

func (r *AuctionRepo) LatestSpaceValue(ctx context.Context, auctionID, spaceID uuid.UUID, beforeRoundNum int64) (*store.RoundSpaceResult, error) {
	return latestSpaceValue(ctx, r.q, auctionID, spaceID, beforeRoundNum)
}

// latestSpaceValue is shared with the ledger repo, which needs implied
// prices for locked-balance computation.
func latestSpaceValue(ctx context.Context, q sqlx.ExtContext, auctionID, spaceID uuid.UUID, beforeRoundNum int64) (*store.RoundSpaceResult, error) {
	var res store.RoundSpaceResult
	err := sqlx.GetContext(ctx, q, &res,
		`SELECT sr.space_id, sr.round_id, sr.winning_user_id, sr.value, sr.created_at
		 FROM space_rounds sr
		 JOIN auction_rounds r ON r.id = sr.round_id
		 WHERE r.auction_id = $1 AND sr.space_id = $2 AND r.round_num < $3
		 ORDER BY r.round_num DESC
		 LIMIT 1`,
		auctionID, spaceID, beforeRoundNum,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest space value: %w", err)
	}
	return &res, nil
}

func (r *AuctionRepo) CreateEligibility(ctx context.Context, e *store.UserEligibility) error {
	now := r.clk.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO user_eligibilities (user_id, round_id, eligibility, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.UserID, e.RoundID, e.Eligibility, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating eligibility: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetEligibility(ctx context.Context, roundID, userID uuid.UUID) (*store.UserEligibility, error) {
	var e store.UserEligibility
	err := sqlx.GetContext(ctx, r.q, &e,
		`SELECT * FROM user_eligibilities WHERE round_id = $1 AND user_id = $2`,
		roundID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrEligibilityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting eligibility: %w", err)
	}
	return &e, nil
}

func (r *AuctionRepo) ListEligibilityForRound(ctx context.Context, roundID uuid.UUID) ([]store.UserEligibility, error) {
	var eligs []store.UserEligibility
	err := sqlx.SelectContext(ctx, r.q, &eligs,
		`SELECT * FROM user_eligibilities WHERE round_id = $1 ORDER BY created_at ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing eligibility: %w", err)
	}
	return eligs, nil
}
