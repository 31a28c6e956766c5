package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/10log10/tinylvt-sub001/internal/event"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// proxyCandidate is a space worth bidding on for a user, ranked by surplus.
type proxyCandidate struct {
	spaceID uuid.UUID
	surplus decimal.Decimal
}

// RunProxyRound places automated bids for every user subscribed to proxy
// bidding on the round's auction. Each user runs in their own transaction;
// one user's failure is collected and returned so the scheduler retries the
// round, but never blocks the other users' passes.
func (e *Engine) RunProxyRound(ctx context.Context, round *store.AuctionRound) error {
	ctx, span := e.tracer.Start(ctx, "Engine.RunProxyRound",
		trace.WithAttributes(
			attribute.String("round_id", round.ID.String()),
			attribute.Int64("round_num", round.RoundNum),
		),
	)
	defer span.End()

	auction, err := e.repos.Auctions.GetByID(ctx, round.AuctionID)
	if err != nil {
		return err
	}
	site, err := e.repos.Sites.GetByID(ctx, auction.SiteID)
	if err != nil {
		return err
	}
	params, err := e.repos.Auctions.GetParams(ctx, auction.ParamsID)
	if err != nil {
		return err
	}
	settings, err := e.repos.Proxy.ListSettings(ctx, auction.ID)
	if err != nil {
		return err
	}

	var failures []error
	for _, setting := range settings {
		var placed int
		err := e.repos.InTx(ctx, func(r *store.Repositories) error {
			var err error
			placed, err = e.runProxyUser(ctx, r, setting, auction, site, params, round)
			return err
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "proxy bidding failed for user",
				slog.String("round_id", round.ID.String()),
				slog.String("user_id", setting.UserID.String()),
				slog.Any("error", err),
			)
			failures = append(failures, fmt.Errorf("user %s: %w", setting.UserID, err))
			continue
		}
		if placed > 0 {
			data, _ := json.Marshal(event.ProxyBidsPlacedData{
				RoundID: round.ID.String(),
				UserID:  setting.UserID.String(),
				Placed:  placed,
			})
			e.emit(ctx, event.Event{
				AggregateID: auction.ID.String(),
				Type:        event.ProxyBidsPlaced,
				Data:        data,
			})
		}
	}
	return errors.Join(failures...)
}

// runProxyUser recomputes one user's automated bids for the round: clear
// their existing bids, rank spaces by surplus (declared value minus implied
// next price), and bid down the ranking until the item cap counting spaces
// they already stand winning. Admission rejections skip to the next space.
func (e *Engine) runProxyUser(ctx context.Context, r *store.Repositories, setting store.ProxySetting, auction *store.Auction, site *store.Site, params *store.AuctionParams, round *store.AuctionRound) (int, error) {
	member, err := r.Communities.GetMember(ctx, site.CommunityID, setting.UserID)
	if errors.Is(err, store.ErrMemberNotFound) {
		e.logger.WarnContext(ctx, "proxy user no longer a member, skipping",
			slog.String("user_id", setting.UserID.String()),
		)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	// Bids are re-derived from current values and settings on every pass.
	if err := r.Auctions.DeleteUserBidsInRound(ctx, round.ID, setting.UserID); err != nil {
		return 0, err
	}

	values, err := r.Proxy.ListUserValues(ctx, setting.UserID, site.ID)
	if err != nil {
		return 0, err
	}

	wonPrev, err := e.userWonSpacesPrevRound(ctx, r, round, setting.UserID)
	if err != nil {
		return 0, err
	}
	alreadyWinning := len(wonPrev)

	spaces, err := r.Spaces.ListAuctionable(ctx, site.ID)
	if err != nil {
		return 0, err
	}
	auctionable := make(map[uuid.UUID]struct{}, len(spaces))
	for _, s := range spaces {
		auctionable[s.ID] = struct{}{}
	}

	var candidates []proxyCandidate
	for _, v := range values {
		if _, ok := auctionable[v.SpaceID]; !ok {
			continue
		}
		prior, err := r.Auctions.LatestSpaceValue(ctx, auction.ID, v.SpaceID, round.RoundNum)
		if err != nil {
			return 0, err
		}
		surplus := v.Value.Sub(impliedPrice(prior, params.BidIncrement))
		if surplus.IsNegative() {
			continue
		}
		candidates = append(candidates, proxyCandidate{spaceID: v.SpaceID, surplus: surplus})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].surplus.Equal(candidates[j].surplus) {
			return candidates[i].surplus.GreaterThan(candidates[j].surplus)
		}
		return candidates[i].spaceID.String() < candidates[j].spaceID.String()
	})

	placed := 0
	var failures []error
	for _, c := range candidates {
		if placed+alreadyWinning >= setting.MaxItems {
			break
		}
		err := e.placeBid(ctx, r, *member, c.spaceID, round.ID)
		if err == nil {
			placed++
			continue
		}
		if store.IsDomainError(err) {
			// Eligibility, credit or timing stops this space, not the pass.
			continue
		}
		e.logger.ErrorContext(ctx, "unexpected proxy bid failure",
			slog.String("space_id", c.spaceID.String()),
			slog.String("user_id", setting.UserID.String()),
			slog.Any("error", err),
		)
		failures = append(failures, err)
	}
	return placed, errors.Join(failures...)
}
