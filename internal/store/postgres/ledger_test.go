package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

func createAccounts(t *testing.T, ctx context.Context, repos *store.Repositories, communityID uuid.UUID, userID uuid.UUID, limit string) (treasury, user *store.Account) {
	t.Helper()

	treasury = &store.Account{CommunityID: communityID}
	if err := repos.Ledger.CreateAccount(ctx, treasury); err != nil {
		t.Fatalf("creating treasury: %v", err)
	}
	user = &store.Account{CommunityID: communityID, OwnerUserID: &userID}
	if limit != "" {
		l := decimal.RequireFromString(limit)
		user.CreditLimit = &l
	}
	if err := repos.Ledger.CreateAccount(ctx, user); err != nil {
		t.Fatalf("creating user account: %v", err)
	}
	return treasury, user
}

func TestLedgerRepo_PostEntry(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	community, _ := newFixture(t, ctx, repos)
	treasury, user := createAccounts(t, ctx, repos, community.ID, uuid.New(), "")

	entry := &store.JournalEntry{
		CommunityID:    community.ID,
		IdempotencyKey: "grant-1",
		Memo:           "initial grant",
	}
	lines := []store.JournalLine{
		{AccountID: treasury.ID, Amount: decimal.RequireFromString("-10.00")},
		{AccountID: user.ID, Amount: decimal.RequireFromString("10.00")},
	}

	err := repos.InTx(ctx, func(r *store.Repositories) error {
		_, err := r.Ledger.PostEntry(ctx, entry, lines)
		return err
	})
	if err != nil {
		t.Fatalf("PostEntry() error = %v", err)
	}

	got, err := repos.Ledger.GetAccount(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.BalanceCached.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("user balance = %s, want 10.00", got.BalanceCached)
	}
	gotTreasury, err := repos.Ledger.GetAccount(ctx, treasury.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gotTreasury.BalanceCached.Equal(decimal.RequireFromString("-10.00")) {
		t.Errorf("treasury balance = %s, want -10.00", gotTreasury.BalanceCached)
	}
}

func TestLedgerRepo_PostEntry_Idempotent(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	community, _ := newFixture(t, ctx, repos)
	treasury, user := createAccounts(t, ctx, repos, community.ID, uuid.New(), "")

	lines := []store.JournalLine{
		{AccountID: treasury.ID, Amount: decimal.RequireFromString("-5.00")},
		{AccountID: user.ID, Amount: decimal.RequireFromString("5.00")},
	}

	var first, second *store.JournalEntry
	for i, dst := range []**store.JournalEntry{&first, &second} {
		entry := &store.JournalEntry{CommunityID: community.ID, IdempotencyKey: "grant-dup"}
		err := repos.InTx(ctx, func(r *store.Repositories) error {
			var err error
			*dst, err = r.Ledger.PostEntry(ctx, entry, lines)
			return err
		})
		if err != nil {
			t.Fatalf("PostEntry() attempt %d error = %v", i+1, err)
		}
	}

	if first.ID != second.ID {
		t.Errorf("repost returned different entry: %s vs %s", first.ID, second.ID)
	}
	got, err := repos.Ledger.GetAccount(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.BalanceCached.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("balance applied twice: %s, want 5.00", got.BalanceCached)
	}
}

func TestLedgerRepo_PostEntry_Unbalanced(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	community, _ := newFixture(t, ctx, repos)
	treasury, user := createAccounts(t, ctx, repos, community.ID, uuid.New(), "")

	entry := &store.JournalEntry{CommunityID: community.ID, IdempotencyKey: "bad"}
	lines := []store.JournalLine{
		{AccountID: treasury.ID, Amount: decimal.RequireFromString("-5.00")},
		{AccountID: user.ID, Amount: decimal.RequireFromString("4.00")},
	}

	err := repos.InTx(ctx, func(r *store.Repositories) error {
		_, err := r.Ledger.PostEntry(ctx, entry, lines)
		return err
	})
	if !errors.Is(err, store.ErrUnbalancedLines) {
		t.Errorf("PostEntry() error = %v, want ErrUnbalancedLines", err)
	}
}

func TestLedgerRepo_PostEntry_InsufficientCredit(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	community, _ := newFixture(t, ctx, repos)
	treasury, user := createAccounts(t, ctx, repos, community.ID, uuid.New(), "1.00")

	entry := &store.JournalEntry{CommunityID: community.ID, IdempotencyKey: "overdraft"}
	lines := []store.JournalLine{
		{AccountID: user.ID, Amount: decimal.RequireFromString("-5.00")},
		{AccountID: treasury.ID, Amount: decimal.RequireFromString("5.00")},
	}

	err := repos.InTx(ctx, func(r *store.Repositories) error {
		_, err := r.Ledger.PostEntry(ctx, entry, lines)
		return err
	})
	var credit *store.InsufficientCreditError
	if !errors.As(err, &credit) {
		t.Fatalf("PostEntry() error = %v, want InsufficientCreditError", err)
	}
	if !credit.Required.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("required = %s, want 5.00", credit.Required)
	}
}

func TestLedgerRepo_AvailableCredit_Unlimited(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t, clock.Real{})
	community, _ := newFixture(t, ctx, repos)
	treasury, user := createAccounts(t, ctx, repos, community.ID, uuid.New(), "")

	for _, account := range []*store.Account{treasury, user} {
		_, limited, err := repos.Ledger.AvailableCredit(ctx, account)
		if err != nil {
			t.Fatal(err)
		}
		if limited {
			t.Errorf("account %s should have unlimited credit", account.ID)
		}
	}
}
