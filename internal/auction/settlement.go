package auction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/10log10/tinylvt-sub001/internal/event"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// settleOutcome reports what settling one round produced.
type settleOutcome struct {
	// concluded is true when no space received any bid, which ends the
	// auction at the round's end_at.
	concluded   bool
	bidCount    int
	resultCount int
	// bidSpacesByUser feeds the next round's eligibility computation.
	bidSpacesByUser map[uuid.UUID][]uuid.UUID
	// payments is each winner's total owed at conclusion. Only populated
	// when concluded.
	payments map[uuid.UUID]decimal.Decimal
}

// processResult reports what processing one due auction did, for audit
// events emitted after the transaction commits.
type processResult struct {
	settled     *store.AuctionRound
	outcome     *settleOutcome
	opened      *store.AuctionRound
	concludedAt *time.Time
}

// ProcessAuction advances one due auction a single step: open round 0 if
// bidding just started, or settle the round that ended and either open the
// next round (with fresh eligibility) or conclude. Everything commits in
// one transaction; audit events follow after commit.
func (e *Engine) ProcessAuction(ctx context.Context, auctionID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "Engine.ProcessAuction",
		trace.WithAttributes(attribute.String("auction_id", auctionID.String())),
	)
	defer span.End()

	var res processResult
	err := e.repos.InTx(ctx, func(r *store.Repositories) error {
		return e.processAuction(ctx, r, auctionID, &res)
	})
	if err != nil {
		return err
	}

	e.emitProcessEvents(ctx, auctionID, &res)
	return nil
}

func (e *Engine) processAuction(ctx context.Context, r *store.Repositories, auctionID uuid.UUID, res *processResult) error {
	auction, err := r.Auctions.GetByID(ctx, auctionID)
	if err != nil {
		return err
	}
	if auction.Concluded() {
		return nil
	}
	site, err := r.Sites.GetByID(ctx, auction.SiteID)
	if err != nil {
		return err
	}
	params, err := r.Auctions.GetParams(ctx, auction.ParamsID)
	if err != nil {
		return err
	}

	now := e.clk.Now()
	latest, err := r.Auctions.LatestRound(ctx, auctionID)
	if err != nil {
		return err
	}

	if latest == nil {
		if now.Before(auction.StartAt) {
			return nil
		}
		opened, err := e.openRound(ctx, r, auction, site, params, nil, nil)
		if err != nil {
			return err
		}
		res.opened = opened
		return nil
	}

	if now.Before(latest.EndAt) {
		// Current round still open, nothing to do.
		return nil
	}

	outcome, err := e.settleRound(ctx, r, auction, site, params, latest)
	if err != nil {
		return err
	}
	res.settled = latest
	res.outcome = outcome

	if outcome.concluded {
		if err := r.Auctions.Conclude(ctx, auction.ID, latest.EndAt); err != nil {
			return err
		}
		if err := e.postSettlement(ctx, r, auction, site, outcome.payments); err != nil {
			return err
		}
		res.concludedAt = &latest.EndAt
		return nil
	}

	elig, err := e.nextEligibility(ctx, r, auction, latest, outcome.bidSpacesByUser)
	if err != nil {
		return err
	}
	opened, err := e.openRound(ctx, r, auction, site, params, latest, elig)
	if err != nil {
		return err
	}
	res.opened = opened
	return nil
}

// settleRound writes one result row per auctionable space of the site for
// the closing round: zero bids carry the prior value and winner forward
// (or produce no row when the space has no history), one or more bids pick
// a uniform random winner at the prior value plus the increment.
func (e *Engine) settleRound(ctx context.Context, r *store.Repositories, auction *store.Auction, site *store.Site, params *store.AuctionParams, round *store.AuctionRound) (*settleOutcome, error) {
	spaces, err := r.Spaces.ListAuctionable(ctx, site.ID)
	if err != nil {
		return nil, err
	}
	bids, err := r.Auctions.ListBidsForRound(ctx, round.ID)
	if err != nil {
		return nil, err
	}

	biddersBySpace := make(map[uuid.UUID][]uuid.UUID)
	bidSpacesByUser := make(map[uuid.UUID][]uuid.UUID)
	for _, b := range bids {
		biddersBySpace[b.SpaceID] = append(biddersBySpace[b.SpaceID], b.UserID)
		bidSpacesByUser[b.UserID] = append(bidSpacesByUser[b.UserID], b.SpaceID)
	}

	outcome := &settleOutcome{
		bidCount:        len(bids),
		bidSpacesByUser: bidSpacesByUser,
	}

	// Conclusion looks only at the spaces still up for auction; a stray bid
	// on a space withdrawn mid-round must not keep the auction open.
	anyBids := false
	for _, space := range spaces {
		prior, err := r.Auctions.LatestSpaceValue(ctx, auction.ID, space.ID, round.RoundNum)
		if err != nil {
			return nil, err
		}

		bidders := biddersBySpace[space.ID]
		if len(bidders) > 0 {
			anyBids = true
		}
		result := store.RoundSpaceResult{
			SpaceID: space.ID,
			RoundID: round.ID,
		}
		if len(bidders) == 0 {
			if prior == nil {
				// Never bid on, nothing to carry forward.
				continue
			}
			result.WinningUserID = prior.WinningUserID
			result.Value = prior.Value
		} else {
			winner := e.pickWinner(bidders)
			result.WinningUserID = &winner
			result.Value = impliedPrice(prior, params.BidIncrement)
		}
		if err := r.Auctions.CreateResult(ctx, &result); err != nil {
			return nil, err
		}
		outcome.resultCount++
	}

	outcome.concluded = !anyBids
	if outcome.concluded {
		payments, err := e.winnerPayments(ctx, r, round)
		if err != nil {
			return nil, err
		}
		outcome.payments = payments
	}
	return outcome, nil
}

// winnerPayments totals what each standing winner owes, from the
// concluding round's freshly written result rows.
func (e *Engine) winnerPayments(ctx context.Context, r *store.Repositories, round *store.AuctionRound) (map[uuid.UUID]decimal.Decimal, error) {
	results, err := r.Auctions.ListResultsForRound(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	payments := make(map[uuid.UUID]decimal.Decimal)
	for _, res := range results {
		if res.WinningUserID == nil || res.Value.IsZero() {
			continue
		}
		payments[*res.WinningUserID] = payments[*res.WinningUserID].Add(res.Value)
	}
	return payments, nil
}

// postSettlement debits each winner and credits the community treasury in
// one idempotent journal entry. Reprocessing a concluded auction finds the
// entry by key and changes nothing.
func (e *Engine) postSettlement(ctx context.Context, r *store.Repositories, auction *store.Auction, site *store.Site, payments map[uuid.UUID]decimal.Decimal) error {
	if len(payments) == 0 {
		return nil
	}

	userIDs := make([]uuid.UUID, 0, len(payments))
	for id := range payments {
		userIDs = append(userIDs, id)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i].String() < userIDs[j].String() })

	treasury, err := r.Ledger.GetTreasuryAccount(ctx, site.CommunityID)
	if err != nil {
		return err
	}

	total := decimal.Zero
	var lines []store.JournalLine
	for _, userID := range userIDs {
		account, err := r.Ledger.GetUserAccount(ctx, site.CommunityID, userID)
		if err != nil {
			return err
		}
		lines = append(lines, store.JournalLine{
			AccountID: account.ID,
			Amount:    payments[userID].Neg(),
		})
		total = total.Add(payments[userID])
	}
	lines = append(lines, store.JournalLine{
		AccountID: treasury.ID,
		Amount:    total,
	})

	entry := store.JournalEntry{
		CommunityID:    site.CommunityID,
		IdempotencyKey: settlementKey(auction.ID),
		Memo:           "auction settlement",
	}
	_, err = r.Ledger.PostEntry(ctx, &entry, lines)
	return err
}

// nextEligibility computes every active user's ceiling for the round that
// follows the one just settled. Activity is the two-round look-back: bids
// in the settled round union wins from the round before it. Points divide
// by the settled round's frozen threshold, and only currently auctionable
// spaces contribute points.
func (e *Engine) nextEligibility(ctx context.Context, r *store.Repositories, auction *store.Auction, settled *store.AuctionRound, bidSpacesByUser map[uuid.UUID][]uuid.UUID) (map[uuid.UUID]float64, error) {
	wonByUser := make(map[uuid.UUID][]uuid.UUID)
	if settled.RoundNum > 0 {
		prev, err := r.Auctions.GetRoundByNum(ctx, auction.ID, settled.RoundNum-1)
		if err != nil {
			return nil, err
		}
		results, err := r.Auctions.ListResultsForRound(ctx, prev.ID)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			if res.WinningUserID != nil {
				wonByUser[*res.WinningUserID] = append(wonByUser[*res.WinningUserID], res.SpaceID)
			}
		}
	}

	users := make(map[uuid.UUID]struct{}, len(bidSpacesByUser)+len(wonByUser))
	for id := range bidSpacesByUser {
		users[id] = struct{}{}
	}
	for id := range wonByUser {
		users[id] = struct{}{}
	}

	points, err := e.spacePoints(ctx, r, auction.SiteID)
	if err != nil {
		return nil, err
	}

	elig := make(map[uuid.UUID]float64, len(users))
	for userID := range users {
		var active float64
		for _, spaceID := range ActiveSpaceIDs(bidSpacesByUser[userID], wonByUser[userID]) {
			active += points[spaceID]
		}

		var prev *float64
		if settled.RoundNum > 0 {
			prevElig, err := r.Auctions.GetEligibility(ctx, settled.ID, userID)
			if err == nil {
				prev = &prevElig.Eligibility
			} else if !isNotFound(err) {
				return nil, err
			}
		}

		elig[userID] = NextEligibility(active, settled.EligibilityThreshold, prev)
	}
	return elig, nil
}

func (e *Engine) emitProcessEvents(ctx context.Context, auctionID uuid.UUID, res *processResult) {
	if res.settled != nil {
		data, _ := json.Marshal(event.RoundSettledData{
			RoundID:   res.settled.ID.String(),
			RoundNum:  res.settled.RoundNum,
			Results:   res.outcome.resultCount,
			BidsCount: res.outcome.bidCount,
		})
		e.emit(ctx, event.Event{
			AggregateID: auctionID.String(),
			Type:        event.RoundSettled,
			Data:        data,
		})
		e.logger.InfoContext(ctx, "round settled",
			slog.String("auction_id", auctionID.String()),
			slog.Int64("round_num", res.settled.RoundNum),
			slog.Int("results", res.outcome.resultCount),
			slog.Int("bids", res.outcome.bidCount),
		)
	}
	if res.opened != nil {
		data, _ := json.Marshal(event.RoundOpenedData{
			RoundID:              res.opened.ID.String(),
			RoundNum:             res.opened.RoundNum,
			StartAt:              res.opened.StartAt,
			EndAt:                res.opened.EndAt,
			EligibilityThreshold: res.opened.EligibilityThreshold,
		})
		e.emit(ctx, event.Event{
			AggregateID: auctionID.String(),
			Type:        event.RoundOpened,
			Data:        data,
		})
		e.logger.InfoContext(ctx, "round opened",
			slog.String("auction_id", auctionID.String()),
			slog.Int64("round_num", res.opened.RoundNum),
			slog.Time("end_at", res.opened.EndAt),
		)
	}
	if res.concludedAt != nil {
		data, _ := json.Marshal(event.AuctionConcludedData{EndAt: *res.concludedAt})
		e.emit(ctx, event.Event{
			AggregateID: auctionID.String(),
			Type:        event.AuctionConcluded,
			Data:        data,
		})
		e.logger.InfoContext(ctx, "auction concluded",
			slog.String("auction_id", auctionID.String()),
			slog.Time("end_at", *res.concludedAt),
		)
	}
}

// isNotFound reports whether err is one of the store's not-found sentinels.
func isNotFound(err error) bool {
	for _, sentinel := range []error{
		store.ErrEligibilityNotFound, store.ErrResultNotFound,
		store.ErrRoundNotFound, store.ErrBidNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
