package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/10log10/tinylvt-sub001/internal/auction"
	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/scheduler"
	"github.com/10log10/tinylvt-sub001/internal/store"
	"github.com/10log10/tinylvt-sub001/internal/store/postgres"
	"github.com/10log10/tinylvt-sub001/internal/telemetry"
)

// env is a full engine-plus-scheduler setup on a containerized database
// with a mock clock, so multi-round auctions run deterministically by
// advancing time and ticking synchronously.
type env struct {
	repos     *store.Repositories
	clk       *clock.Mock
	engine    *auction.Engine
	sched     *scheduler.Scheduler
	community *store.Community
	site      *store.Site
}

func newEnv(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	_, thisFile, _, _ := runtime.Caller(0)
	migrationPath := filepath.Join(filepath.Dir(thisFile), "..", "store", "postgres", "migrations", "001_initial.sql")
	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("reading migration: %v", err)
	}

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("lvtd_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, string(migrationSQL)); err != nil {
		t.Fatalf("applying migration: %v", err)
	}

	clk := clock.NewMock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	repos := postgres.NewRepositories(db, clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := telemetry.NewNopProvider()
	rng := rand.New(rand.NewPCG(1, 2))

	engine := auction.New(repos, clk, logger, tp.TracerProvider, rng)
	sched := scheduler.New(repos, engine, clk, logger, tp.TracerProvider, time.Second)

	community := &store.Community{Name: "test community"}
	if err := repos.Communities.Create(ctx, community); err != nil {
		t.Fatalf("creating community: %v", err)
	}
	site := &store.Site{CommunityID: community.ID, Name: "test site", Timezone: "UTC"}
	if err := repos.Sites.Create(ctx, site); err != nil {
		t.Fatalf("creating site: %v", err)
	}
	treasury := &store.Account{CommunityID: community.ID}
	if err := repos.Ledger.CreateAccount(ctx, treasury); err != nil {
		t.Fatalf("creating treasury: %v", err)
	}

	return &env{
		repos:     repos,
		clk:       clk,
		engine:    engine,
		sched:     sched,
		community: community,
		site:      site,
	}
}

// newUser adds a member with an account. A creditLimit of "" means
// unlimited credit.
func (e *env) newUser(t *testing.T, creditLimit string) store.Member {
	t.Helper()
	ctx := context.Background()

	member := &store.Member{
		UserID:      uuid.New(),
		CommunityID: e.community.ID,
		Role:        store.RoleMember,
	}
	if err := e.repos.Communities.AddMember(ctx, member); err != nil {
		t.Fatalf("adding member: %v", err)
	}

	account := &store.Account{CommunityID: e.community.ID, OwnerUserID: &member.UserID}
	if creditLimit != "" {
		limit := decimal.RequireFromString(creditLimit)
		account.CreditLimit = &limit
	}
	if err := e.repos.Ledger.CreateAccount(ctx, account); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	return *member
}

func (e *env) newSpace(t *testing.T, name string, points float64) *store.Space {
	t.Helper()
	space := &store.Space{
		SiteID:            e.site.ID,
		Name:              name,
		EligibilityPoints: points,
		IsAvailable:       true,
	}
	if err := e.repos.Spaces.Create(context.Background(), space); err != nil {
		t.Fatalf("creating space: %v", err)
	}
	return space
}

// newAuction creates an auction with hour-long rounds starting now.
func (e *env) newAuction(t *testing.T, progression store.EligibilityProgression) *store.Auction {
	t.Helper()
	ctx := context.Background()

	params := &store.AuctionParams{
		RoundDuration: time.Hour,
		BidIncrement:  decimal.RequireFromString("1.00"),
		Progression:   progression,
	}
	if err := e.repos.Auctions.CreateParams(ctx, params); err != nil {
		t.Fatalf("creating params: %v", err)
	}

	now := e.clk.Now()
	a := &store.Auction{
		SiteID:            e.site.ID,
		ParamsID:          params.ID,
		PossessionStartAt: now.Add(48 * time.Hour),
		PossessionEndAt:   now.Add(72 * time.Hour),
		StartAt:           now,
	}
	if err := e.repos.Auctions.Create(ctx, a); err != nil {
		t.Fatalf("creating auction: %v", err)
	}
	return a
}

func (e *env) tick(t *testing.T) {
	t.Helper()
	if err := e.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
}

func (e *env) currentRound(t *testing.T, auctionID uuid.UUID) *store.AuctionRound {
	t.Helper()
	round, err := e.repos.Auctions.LatestRound(context.Background(), auctionID)
	if err != nil {
		t.Fatalf("getting latest round: %v", err)
	}
	if round == nil {
		t.Fatal("no round exists")
	}
	return round
}

// advancePast moves the clock just beyond the round's end.
func (e *env) advancePast(round *store.AuctionRound) {
	e.clk.Set(round.EndAt.Add(time.Second))
}
