package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

func createSpace(t *testing.T, ctx context.Context, repos *store.Repositories, siteID uuid.UUID, name string, points float64) *store.Space {
	t.Helper()
	space := &store.Space{
		SiteID:            siteID,
		Name:              name,
		EligibilityPoints: points,
		IsAvailable:       true,
	}
	if err := repos.Spaces.Create(ctx, space); err != nil {
		t.Fatalf("creating space: %v", err)
	}
	return space
}

// addHistory gives the space a bid so that it counts as having auction
// history.
func addHistory(t *testing.T, ctx context.Context, repos *store.Repositories, site *store.Site, space *store.Space) {
	t.Helper()

	params := &store.AuctionParams{
		RoundDuration: time.Hour,
		BidIncrement:  decimal.RequireFromString("1.00"),
		Progression:   store.EligibilityProgression{{RoundNum: 0, Threshold: 0.5}},
	}
	if err := repos.Auctions.CreateParams(ctx, params); err != nil {
		t.Fatalf("creating params: %v", err)
	}
	auction := &store.Auction{
		SiteID:            site.ID,
		ParamsID:          params.ID,
		PossessionStartAt: time.Now(),
		PossessionEndAt:   time.Now().Add(24 * time.Hour),
		StartAt:           time.Now(),
	}
	if err := repos.Auctions.Create(ctx, auction); err != nil {
		t.Fatalf("creating auction: %v", err)
	}
	round := &store.AuctionRound{
		AuctionID: auction.ID,
		RoundNum:  0,
		StartAt:   time.Now(),
		EndAt:     time.Now().Add(time.Hour),
	}
	if err := repos.Auctions.CreateRound(ctx, round); err != nil {
		t.Fatalf("creating round: %v", err)
	}
	bid := &store.Bid{SpaceID: space.ID, RoundID: round.ID, UserID: uuid.New()}
	if err := repos.Auctions.CreateBid(ctx, bid); err != nil {
		t.Fatalf("creating bid: %v", err)
	}
}

func TestSpaceRepo_Update_InPlace(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	_, site := newFixture(t, ctx, repos)
	space := createSpace(t, ctx, repos, site.ID, "space 1", 2.0)

	var result *store.UpdateSpaceResult
	err := repos.InTx(ctx, func(r *store.Repositories) error {
		var err error
		result, err = r.Spaces.Update(ctx, space.ID, store.SpaceUpdate{
			Name:              "space 1",
			EligibilityPoints: 2.0,
			IsAvailable:       false,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if result.WasCopied {
		t.Error("availability-only edit should not copy")
	}
	if result.Space.ID != space.ID {
		t.Errorf("got space ID %s, want %s", result.Space.ID, space.ID)
	}
	if result.Space.IsAvailable {
		t.Error("is_available not updated")
	}
}

func TestSpaceRepo_Update_IdentityChangeWithoutHistory(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	_, site := newFixture(t, ctx, repos)
	space := createSpace(t, ctx, repos, site.ID, "space 1", 2.0)

	var result *store.UpdateSpaceResult
	err := repos.InTx(ctx, func(r *store.Repositories) error {
		var err error
		result, err = r.Spaces.Update(ctx, space.ID, store.SpaceUpdate{
			Name:              "renamed",
			EligibilityPoints: 3.0,
			IsAvailable:       true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if result.WasCopied {
		t.Error("identity change without history should update in place")
	}
}

func TestSpaceRepo_Update_CopyOnWrite(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	_, site := newFixture(t, ctx, repos)
	space := createSpace(t, ctx, repos, site.ID, "space 1", 2.0)
	addHistory(t, ctx, repos, site, space)

	var result *store.UpdateSpaceResult
	err := repos.InTx(ctx, func(r *store.Repositories) error {
		var err error
		result, err = r.Spaces.Update(ctx, space.ID, store.SpaceUpdate{
			Name:              "renamed",
			EligibilityPoints: 2.0,
			IsAvailable:       true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !result.WasCopied {
		t.Fatal("identity change with history should copy")
	}
	if result.OldSpaceID != space.ID {
		t.Errorf("got old space ID %s, want %s", result.OldSpaceID, space.ID)
	}
	if result.Space.ID == space.ID {
		t.Error("replacement should have a new ID")
	}

	// The original is soft-deleted but still readable for history.
	old, err := repos.Spaces.GetByID(ctx, space.ID)
	if err != nil {
		t.Fatalf("getting old space: %v", err)
	}
	if old.DeletedAt == nil {
		t.Error("old space should be soft-deleted")
	}
	if old.Name != "space 1" {
		t.Errorf("old space name changed to %q", old.Name)
	}
}

func TestSpaceRepo_Delete_RefusedWithHistory(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	_, site := newFixture(t, ctx, repos)
	space := createSpace(t, ctx, repos, site.ID, "space 1", 2.0)
	addHistory(t, ctx, repos, site, space)

	err := repos.Spaces.Delete(ctx, space.ID)
	if !errors.Is(err, store.ErrSpaceHasAuctionHistory) {
		t.Errorf("Delete() error = %v, want ErrSpaceHasAuctionHistory", err)
	}
}

func TestSpaceRepo_SoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	_, site := newFixture(t, ctx, repos)
	space := createSpace(t, ctx, repos, site.ID, "space 1", 2.0)

	if err := repos.Spaces.SoftDelete(ctx, space.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	listed, err := repos.Spaces.ListAuctionable(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 0 {
		t.Errorf("soft-deleted space still auctionable")
	}

	if err := repos.Spaces.Restore(ctx, space.ID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	listed, err = repos.Spaces.ListAuctionable(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Errorf("restored space not auctionable")
	}
}
