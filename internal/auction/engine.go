// Package auction implements the round-based auction engine: bid
// admission, round settlement, eligibility decay, round advancement and
// proxy bidding.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/event"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// Engine drives all auction state transitions. It is safe for concurrent
// use; the winner tie-break random source is guarded by a mutex.
type Engine struct {
	repos  *store.Repositories
	clk    clock.Clock
	logger *slog.Logger
	tracer trace.Tracer

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns an Engine. The random source is used only for winner
// tie-breaks; tests inject a seeded one for determinism.
func New(repos *store.Repositories, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider, rng *rand.Rand) *Engine {
	return &Engine{
		repos:  repos,
		clk:    clk,
		logger: logger,
		tracer: tp.Tracer("github.com/10log10/tinylvt-sub001/internal/auction"),
		rng:    rng,
	}
}

// pickWinner chooses uniformly among the bidders of one space.
func (e *Engine) pickWinner(bidders []uuid.UUID) uuid.UUID {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return bidders[e.rng.IntN(len(bidders))]
}

// impliedPrice is the amount a space would settle at if bid on in the
// current round: the previous recorded value plus the increment, or zero
// when the space has never settled (a first win costs nothing).
func impliedPrice(prior *store.RoundSpaceResult, increment decimal.Decimal) decimal.Decimal {
	if prior == nil {
		return decimal.Zero
	}
	return prior.Value.Add(increment)
}

// PlaceBid validates and records one bid. Checks run in order and fail
// fast with a distinct error each: membership, space and site liveness,
// round timing, already-winning protection, eligibility budget, credit.
func (e *Engine) PlaceBid(ctx context.Context, member store.Member, spaceID, roundID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("space_id", spaceID.String()),
			attribute.String("round_id", roundID.String()),
			attribute.String("user_id", member.UserID.String()),
		),
	)
	defer span.End()

	err := e.repos.InTx(ctx, func(r *store.Repositories) error {
		return e.placeBid(ctx, r, member, spaceID, roundID)
	})
	if err != nil {
		return err
	}

	data, _ := json.Marshal(event.BidData{
		SpaceID: spaceID.String(),
		UserID:  member.UserID.String(),
	})
	e.emit(ctx, event.Event{
		AggregateID: roundID.String(),
		Type:        event.BidPlaced,
		Data:        data,
	})

	e.logger.InfoContext(ctx, "bid placed",
		slog.String("space_id", spaceID.String()),
		slog.String("round_id", roundID.String()),
		slog.String("user_id", member.UserID.String()),
	)
	return nil
}

// placeBid runs the admission checks and insert on the given transaction.
func (e *Engine) placeBid(ctx context.Context, r *store.Repositories, member store.Member, spaceID, roundID uuid.UUID) error {
	space, site, err := e.liveSpace(ctx, r, member, spaceID)
	if err != nil {
		return err
	}

	round, err := r.Auctions.GetRound(ctx, roundID)
	if err != nil {
		return err
	}
	if err := e.checkRoundOpen(round); err != nil {
		return err
	}

	auction, err := r.Auctions.GetByID(ctx, round.AuctionID)
	if err != nil {
		return err
	}
	if auction.SiteID != space.SiteID {
		return store.ErrSpaceNotFound
	}
	params, err := r.Auctions.GetParams(ctx, auction.ParamsID)
	if err != nil {
		return err
	}

	// Standing winners keep their space without rebidding; a re-bid would
	// needlessly raise their own price.
	wonPrev, err := e.userWonSpacesPrevRound(ctx, r, round, member.UserID)
	if err != nil {
		return err
	}
	for _, id := range wonPrev {
		if id == spaceID {
			return store.ErrAlreadyWinning
		}
	}

	if round.RoundNum > 0 {
		if err := e.checkEligibilityBudget(ctx, r, member.UserID, round, site, space, wonPrev); err != nil {
			return err
		}
	}

	prior, err := r.Auctions.LatestSpaceValue(ctx, auction.ID, spaceID, round.RoundNum)
	if err != nil {
		return err
	}
	amount := impliedPrice(prior, params.BidIncrement)

	account, err := r.Ledger.GetUserAccount(ctx, site.CommunityID, member.UserID)
	if err != nil {
		return err
	}
	account, err = r.Ledger.GetAccountForUpdate(ctx, account.ID)
	if err != nil {
		return err
	}
	if err := r.Ledger.CheckSufficientCredit(ctx, account, amount); err != nil {
		return err
	}

	return r.Auctions.CreateBid(ctx, &store.Bid{
		SpaceID: spaceID,
		RoundID: roundID,
		UserID:  member.UserID,
	})
}

// DeleteBid removes the user's bid while the round remains open. Only the
// timing check applies; eligibility and credit are not re-examined.
func (e *Engine) DeleteBid(ctx context.Context, member store.Member, spaceID, roundID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "Engine.DeleteBid",
		trace.WithAttributes(
			attribute.String("space_id", spaceID.String()),
			attribute.String("round_id", roundID.String()),
			attribute.String("user_id", member.UserID.String()),
		),
	)
	defer span.End()

	err := e.repos.InTx(ctx, func(r *store.Repositories) error {
		round, err := r.Auctions.GetRound(ctx, roundID)
		if err != nil {
			return err
		}
		if err := e.checkRoundOpen(round); err != nil {
			return err
		}
		return r.Auctions.DeleteBid(ctx, spaceID, roundID, member.UserID)
	})
	if err != nil {
		return err
	}

	data, _ := json.Marshal(event.BidData{
		SpaceID: spaceID.String(),
		UserID:  member.UserID.String(),
	})
	e.emit(ctx, event.Event{
		AggregateID: roundID.String(),
		Type:        event.BidDeleted,
		Data:        data,
	})

	e.logger.InfoContext(ctx, "bid deleted",
		slog.String("space_id", spaceID.String()),
		slog.String("round_id", roundID.String()),
		slog.String("user_id", member.UserID.String()),
	)
	return nil
}

// liveSpace resolves the space and site and verifies membership and
// liveness: member access, space available, neither space nor site deleted.
func (e *Engine) liveSpace(ctx context.Context, r *store.Repositories, member store.Member, spaceID uuid.UUID) (*store.Space, *store.Site, error) {
	space, err := r.Spaces.GetByID(ctx, spaceID)
	if err != nil {
		return nil, nil, err
	}
	site, err := r.Sites.GetByID(ctx, space.SiteID)
	if err != nil {
		return nil, nil, err
	}
	if member.CommunityID != site.CommunityID || !member.Role.AtLeast(store.RoleMember) {
		return nil, nil, store.ErrInsufficientPermissions
	}
	if space.DeletedAt != nil {
		return nil, nil, store.ErrSpaceDeleted
	}
	if !space.IsAvailable {
		return nil, nil, store.ErrSpaceNotAvailable
	}
	if site.DeletedAt != nil {
		return nil, nil, store.ErrSiteDeleted
	}
	return space, site, nil
}

// checkRoundOpen verifies now is within [start_at, end_at).
func (e *Engine) checkRoundOpen(round *store.AuctionRound) error {
	now := e.clk.Now()
	if now.Before(round.StartAt) {
		return store.ErrRoundNotStarted
	}
	if !now.Before(round.EndAt) {
		return store.ErrRoundEnded
	}
	return nil
}

// userWonSpacesPrevRound lists the spaces the user stands winning from the
// round immediately before this one. Empty for round 0.
func (e *Engine) userWonSpacesPrevRound(ctx context.Context, r *store.Repositories, round *store.AuctionRound, userID uuid.UUID) ([]uuid.UUID, error) {
	if round.RoundNum == 0 {
		return nil, nil
	}
	prev, err := r.Auctions.GetRoundByNum(ctx, round.AuctionID, round.RoundNum-1)
	if err != nil {
		return nil, err
	}
	results, err := r.Auctions.ListResultsForRound(ctx, prev.ID)
	if err != nil {
		return nil, err
	}
	var won []uuid.UUID
	for _, res := range results {
		if res.WinningUserID != nil && *res.WinningUserID == userID {
			won = append(won, res.SpaceID)
		}
	}
	return won, nil
}

// checkEligibilityBudget verifies the user's eligibility ceiling covers the
// new space plus everything they are already bidding on or carrying forward
// as standing winner this round.
func (e *Engine) checkEligibilityBudget(ctx context.Context, r *store.Repositories, userID uuid.UUID, round *store.AuctionRound, site *store.Site, space *store.Space, wonPrev []uuid.UUID) error {
	elig, err := r.Auctions.GetEligibility(ctx, round.ID, userID)
	if errors.Is(err, store.ErrEligibilityNotFound) {
		return store.ErrNoEligibility
	}
	if err != nil {
		return err
	}

	bids, err := r.Auctions.ListUserBidsInRound(ctx, round.ID, userID)
	if err != nil {
		return err
	}
	var bidSpaces []uuid.UUID
	for _, b := range bids {
		bidSpaces = append(bidSpaces, b.SpaceID)
	}

	points, err := e.spacePoints(ctx, r, site.ID)
	if err != nil {
		return err
	}

	required := space.EligibilityPoints
	for _, id := range ActiveSpaceIDs(bidSpaces, wonPrev) {
		if id == space.ID {
			continue
		}
		p, err := e.pointsFor(ctx, r, points, id)
		if err != nil {
			return err
		}
		required += p
	}

	if required > elig.Eligibility {
		return &store.ExceedsEligibilityError{
			Available: elig.Eligibility,
			Required:  required,
		}
	}
	return nil
}

// spacePoints maps the site's auctionable spaces to their eligibility
// points. Soft-deleted spaces a user still stands winning are resolved
// lazily through pointsFor.
func (e *Engine) spacePoints(ctx context.Context, r *store.Repositories, siteID uuid.UUID) (map[uuid.UUID]float64, error) {
	spaces, err := r.Spaces.ListAuctionable(ctx, siteID)
	if err != nil {
		return nil, err
	}
	points := make(map[uuid.UUID]float64, len(spaces))
	for _, s := range spaces {
		points[s.ID] = s.EligibilityPoints
	}
	return points, nil
}

func (e *Engine) pointsFor(ctx context.Context, r *store.Repositories, points map[uuid.UUID]float64, spaceID uuid.UUID) (float64, error) {
	if p, ok := points[spaceID]; ok {
		return p, nil
	}
	space, err := r.Spaces.GetByID(ctx, spaceID)
	if err != nil {
		return 0, err
	}
	points[spaceID] = space.EligibilityPoints
	return space.EligibilityPoints, nil
}

// settlementKey is the idempotency key of an auction's one settlement
// posting.
func settlementKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction-settlement:%s", auctionID)
}

// emit appends an audit event best-effort. Failures are logged and never
// affect auction state.
func (e *Engine) emit(ctx context.Context, evt event.Event) {
	if err := e.repos.Events.Append(ctx, evt); err != nil {
		e.logger.ErrorContext(ctx, "failed to append audit event",
			slog.String("type", string(evt.Type)),
			slog.Any("error", err),
		)
	}
}
