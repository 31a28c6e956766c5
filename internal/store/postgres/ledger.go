package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/ledger"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// LedgerRepo implements store.LedgerRepository with sqlx.
type LedgerRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *LedgerRepo) CreateAccount(ctx context.Context, a *store.Account) error {
	now := r.clk.Now().UTC()
	a.ID = uuid.New()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO accounts (id, community_id, owner_user_id, balance_cached, credit_limit, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.CommunityID, a.OwnerUserID, a.BalanceCached, a.CreditLimit, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

func (r *LedgerRepo) GetAccount(ctx context.Context, id uuid.UUID) (*store.Account, error) {
	var a store.Account
	err := sqlx.GetContext(ctx, r.q, &a, `SELECT * FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &a, nil
}

func (r *LedgerRepo) GetUserAccount(ctx context.Context, communityID, userID uuid.UUID) (*store.Account, error) {
	var a store.Account
	err := sqlx.GetContext(ctx, r.q, &a,
		`SELECT * FROM accounts WHERE community_id = $1 AND owner_user_id = $2`,
		communityID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user account: %w", err)
	}
	return &a, nil
}

func (r *LedgerRepo) GetTreasuryAccount(ctx context.Context, communityID uuid.UUID) (*store.Account, error) {
	var a store.Account
	err := sqlx.GetContext(ctx, r.q, &a,
		`SELECT * FROM accounts WHERE community_id = $1 AND owner_user_id IS NULL`,
		communityID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting treasury account: %w", err)
	}
	return &a, nil
}

func (r *LedgerRepo) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (*store.Account, error) {
	var a store.Account
	err := sqlx.GetContext(ctx, r.q, &a, `SELECT * FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking account: %w", err)
	}
	return &a, nil
}

// openBidRow carries what locked-balance needs per open bid.
type openBidRow struct {
	SpaceID      uuid.UUID       `db:"space_id"`
	AuctionID    uuid.UUID       `db:"auction_id"`
	RoundNum     int64           `db:"round_num"`
	BidIncrement decimal.Decimal `db:"bid_increment"`
}

// LockedBalance sums what the account's owner would owe if everything
// settled now: values of spaces they currently stand winning in open
// auctions, plus the implied price of each bid in rounds not yet settled.
// Treasury accounts lock nothing.
func (r *LedgerRepo) LockedBalance(ctx context.Context, account *store.Account) (decimal.Decimal, error) {
	if account.Treasury() {
		return decimal.Zero, nil
	}

	var winning []decimal.Decimal
	err := sqlx.SelectContext(ctx, r.q, &winning,
		`SELECT sr.value
		 FROM space_rounds sr
		 JOIN auction_rounds r ON r.id = sr.round_id
		 JOIN auctions a ON a.id = r.auction_id
		 JOIN sites s ON s.id = a.site_id
		 WHERE s.community_id = $1
		   AND a.end_at IS NULL
		   AND sr.winning_user_id = $2
		   AND r.round_num = (
		     SELECT MAX(r2.round_num)
		     FROM auction_rounds r2
		     JOIN space_rounds sr2 ON sr2.round_id = r2.id AND sr2.space_id = sr.space_id
		     WHERE r2.auction_id = a.id
		   )`,
		account.CommunityID, account.OwnerUserID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing winning values: %w", err)
	}

	locked := decimal.Zero
	for _, v := range winning {
		locked = locked.Add(v)
	}

	var openBids []openBidRow
	err = sqlx.SelectContext(ctx, r.q, &openBids,
		`SELECT b.space_id, r.auction_id, r.round_num, p.bid_increment
		 FROM bids b
		 JOIN auction_rounds r ON r.id = b.round_id
		 JOIN auctions a ON a.id = r.auction_id
		 JOIN auction_params p ON p.id = a.params_id
		 JOIN sites s ON s.id = a.site_id
		 WHERE s.community_id = $1
		   AND b.user_id = $2
		   AND a.end_at IS NULL
		   AND NOT EXISTS (SELECT 1 FROM space_rounds sr WHERE sr.round_id = b.round_id)`,
		account.CommunityID, account.OwnerUserID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("listing open bids: %w", err)
	}

	for _, b := range openBids {
		prior, err := latestSpaceValue(ctx, r.q, b.AuctionID, b.SpaceID, b.RoundNum)
		if err != nil {
			return decimal.Zero, err
		}
		if prior == nil {
			continue // first win costs nothing
		}
		locked = locked.Add(prior.Value.Add(b.BidIncrement))
	}
	return locked, nil
}

func (r *LedgerRepo) AvailableCredit(ctx context.Context, account *store.Account) (decimal.Decimal, bool, error) {
	locked, err := r.LockedBalance(ctx, account)
	if err != nil {
		return decimal.Zero, false, err
	}
	available, limited := ledger.AvailableCredit(account, locked)
	return available, limited, nil
}

func (r *LedgerRepo) CheckSufficientCredit(ctx context.Context, account *store.Account, amount decimal.Decimal) error {
	locked, err := r.LockedBalance(ctx, account)
	if err != nil {
		return err
	}
	return ledger.CheckSufficientCredit(account, locked, amount)
}

// PostEntry posts a balanced set of lines atomically. A prior entry with
// the same idempotency key short-circuits; debited accounts are locked in
// sorted-ID order to avoid deadlocks, credit-checked, and every line
// updates the cached balance.
func (r *LedgerRepo) PostEntry(ctx context.Context, entry *store.JournalEntry, lines []store.JournalLine) (*store.JournalEntry, error) {
	if err := ledger.ValidateLines(lines); err != nil {
		return nil, err
	}

	existing, err := r.GetEntryByKey(ctx, entry.CommunityID, entry.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	debits := ledger.Debits(lines)
	sort.Slice(debits, func(i, j int) bool {
		return debits[i].AccountID.String() < debits[j].AccountID.String()
	})
	for _, d := range debits {
		account, err := r.GetAccountForUpdate(ctx, d.AccountID)
		if err != nil {
			return nil, err
		}
		if err := r.CheckSufficientCredit(ctx, account, d.Amount.Neg()); err != nil {
			return nil, err
		}
	}

	now := r.clk.Now().UTC()
	entry.ID = uuid.New()
	entry.CreatedAt = now
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO journal_entries (id, community_id, idempotency_key, memo, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.CommunityID, entry.IdempotencyKey, entry.Memo, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating journal entry: %w", err)
	}

	for i := range lines {
		lines[i].EntryID = entry.ID
		lines[i].CreatedAt = now
		_, err = r.q.ExecContext(ctx,
			`INSERT INTO journal_lines (entry_id, account_id, amount, created_at)
			 VALUES ($1, $2, $3, $4)`,
			lines[i].EntryID, lines[i].AccountID, lines[i].Amount, lines[i].CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("creating journal line: %w", err)
		}
		_, err = r.q.ExecContext(ctx,
			`UPDATE accounts SET balance_cached = balance_cached + $1, updated_at = $2 WHERE id = $3`,
			lines[i].Amount, now, lines[i].AccountID,
		)
		if err != nil {
			return nil, fmt.Errorf("updating cached balance: %w", err)
		}
	}
	return entry, nil
}

func (r *LedgerRepo) GetEntryByKey(ctx context.Context, communityID uuid.UUID, key string) (*store.JournalEntry, error) {
	var e store.JournalEntry
	err := sqlx.GetContext(ctx, r.q, &e,
		`SELECT * FROM journal_entries WHERE community_id = $1 AND idempotency_key = $2`,
		communityID, key,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting journal entry: %w", err)
	}
	return &e, nil
}

func (r *LedgerRepo) ListLines(ctx context.Context, entryID uuid.UUID) ([]store.JournalLine, error) {
	var lines []store.JournalLine
	err := sqlx.SelectContext(ctx, r.q, &lines,
		`SELECT * FROM journal_lines WHERE entry_id = $1 ORDER BY account_id ASC`,
		entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing journal lines: %w", err)
	}
	return lines, nil
}
