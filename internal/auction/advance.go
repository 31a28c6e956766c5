package auction

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/10log10/tinylvt-sub001/internal/store"
)

// openRound creates the next round (round 0 when prev is nil) together with
// its eligibility rows. Both commit with the caller's transaction; a round
// must never become visible without its eligibility data.
func (e *Engine) openRound(ctx context.Context, r *store.Repositories, auction *store.Auction, site *store.Site, params *store.AuctionParams, prev *store.AuctionRound, elig map[uuid.UUID]float64) (*store.AuctionRound, error) {
	var roundNum int64
	start := auction.StartAt
	if prev != nil {
		roundNum = prev.RoundNum + 1
		start = prev.EndAt
	}

	round := &store.AuctionRound{
		AuctionID:            auction.ID,
		RoundNum:             roundNum,
		StartAt:              start,
		EndAt:                roundEnd(start, params.RoundDuration, site.Timezone, e.logger),
		EligibilityThreshold: ThresholdForRound(roundNum, params.Progression),
	}
	if err := r.Auctions.CreateRound(ctx, round); err != nil {
		return nil, err
	}

	for userID, value := range elig {
		err := r.Auctions.CreateEligibility(ctx, &store.UserEligibility{
			UserID:      userID,
			RoundID:     round.ID,
			Eligibility: value,
		})
		if err != nil {
			return nil, err
		}
	}
	return round, nil
}

// roundEnd adds the round duration to start. Whole-day durations use civil
// arithmetic in the site's timezone so a round spanning a DST transition
// still ends at the same local time. An unknown timezone falls back to
// plain UTC addition with a warning; it never fails the tick.
func roundEnd(start time.Time, d time.Duration, timezone string, logger *slog.Logger) time.Time {
	const day = 24 * time.Hour
	if d <= 0 || d%day != 0 {
		return start.Add(d)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("unknown site timezone, using plain duration addition",
			slog.String("timezone", timezone),
			slog.Any("error", err),
		)
		return start.Add(d)
	}

	days := int(d / day)
	local := start.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day()+days,
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
	return end.UTC()
}
