package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is a member's permission level within a community.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleColeader  Role = "coleader"
	RoleLeader    Role = "leader"
)

// rank orders roles from least to most privileged.
func (r Role) rank() int {
	switch r {
	case RoleMember:
		return 0
	case RoleModerator:
		return 1
	case RoleColeader:
		return 2
	case RoleLeader:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether r grants at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= 0 && r.rank() >= other.rank()
}

// Community groups members, sites and ledger accounts.
type Community struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Member is a validated community membership. The auth layer produces these;
// the engine only checks the role.
type Member struct {
	UserID      uuid.UUID `db:"user_id"`
	CommunityID uuid.UUID `db:"community_id"`
	Role        Role      `db:"role"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Site is a collection of spaces auctioned together.
type Site struct {
	ID          uuid.UUID  `db:"id"`
	CommunityID uuid.UUID  `db:"community_id"`
	Name        string     `db:"name"`
	Description *string    `db:"description"`
	Timezone    string     `db:"timezone"`
	DeletedAt   *time.Time `db:"deleted_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// Space is a single auctionable item within a site.
//
// Spaces with auction history are never mutated on identity-bearing fields
// (name, eligibility_points); such edits go through copy-on-write instead.
type Space struct {
	ID                uuid.UUID  `db:"id"`
	SiteID            uuid.UUID  `db:"site_id"`
	Name              string     `db:"name"`
	Description       *string    `db:"description"`
	EligibilityPoints float64    `db:"eligibility_points"`
	IsAvailable       bool       `db:"is_available"`
	DeletedAt         *time.Time `db:"deleted_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// SpaceUpdate carries the mutable fields of a space edit.
type SpaceUpdate struct {
	Name              string
	Description       *string
	EligibilityPoints float64
	IsAvailable       bool
}

// UpdateSpaceResult reports which path a space edit took. When an
// identity-bearing field changed on a space with auction history, the edit
// is applied copy-on-write: WasCopied is true, OldSpaceID names the
// soft-deleted original, and Space is the replacement row.
type UpdateSpaceResult struct {
	Space      *Space
	WasCopied  bool
	OldSpaceID uuid.UUID
}

// EligibilityPoint is one breakpoint of an activity-rule progression.
type EligibilityPoint struct {
	RoundNum  int64   `json:"round_num"`
	Threshold float64 `json:"threshold"`
}

// EligibilityProgression is an ordered list of activity-rule breakpoints,
// sorted ascending by round number. Stored as JSONB.
type EligibilityProgression []EligibilityPoint

// Value implements driver.Valuer.
func (p EligibilityProgression) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *EligibilityProgression) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into EligibilityProgression", src)
	}
}

// AuctionParams is an immutable parameter snapshot referenced by auctions.
type AuctionParams struct {
	ID            uuid.UUID              `db:"id"`
	RoundDuration time.Duration          `db:"round_duration"`
	BidIncrement  decimal.Decimal        `db:"bid_increment"`
	Progression   EligibilityProgression `db:"activity_rule"`
	CreatedAt     time.Time              `db:"created_at"`
}

// Auction is one recurring reallocation of a site's spaces.
//
// EndAt is set exactly once, when settlement of a round observes zero bids
// across all spaces. SchedulerFailureCount and SchedulerLastFailedAt drive
// the scheduler's exponential backoff after processing failures.
type Auction struct {
	ID                    uuid.UUID  `db:"id"`
	SiteID                uuid.UUID  `db:"site_id"`
	ParamsID              uuid.UUID  `db:"params_id"`
	PossessionStartAt     time.Time  `db:"possession_start_at"`
	PossessionEndAt       time.Time  `db:"possession_end_at"`
	StartAt               time.Time  `db:"start_at"`
	EndAt                 *time.Time `db:"end_at"`
	SchedulerFailureCount int        `db:"scheduler_failure_count"`
	SchedulerLastFailedAt *time.Time `db:"scheduler_last_failed_at"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// Concluded reports whether the auction has ended.
func (a *Auction) Concluded() bool { return a.EndAt != nil }

// AuctionRound is one time-boxed bidding window. The bidding interval is
// half-open: [StartAt, EndAt).
type AuctionRound struct {
	ID                   uuid.UUID  `db:"id"`
	AuctionID            uuid.UUID  `db:"auction_id"`
	RoundNum             int64      `db:"round_num"`
	StartAt              time.Time  `db:"start_at"`
	EndAt                time.Time  `db:"end_at"`
	EligibilityThreshold float64    `db:"eligibility_threshold"`
	ProxyLastProcessedAt *time.Time `db:"proxy_last_processed_at"`
	ProxyFailureCount    int        `db:"proxy_failure_count"`
	ProxyLastFailedAt    *time.Time `db:"proxy_last_failed_at"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

// Bid is a binary "I want this space at the next increment" marker.
// At most one bid per (space, round, user).
type Bid struct {
	SpaceID   uuid.UUID `db:"space_id"`
	RoundID   uuid.UUID `db:"round_id"`
	UserID    uuid.UUID `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}

// RoundSpaceResult records a space's winner and settled value for one round.
// Immutable once written; a nil winner means nobody held the space.
type RoundSpaceResult struct {
	SpaceID       uuid.UUID       `db:"space_id"`
	RoundID       uuid.UUID       `db:"round_id"`
	WinningUserID *uuid.UUID      `db:"winning_user_id"`
	Value         decimal.Decimal `db:"value"`
	CreatedAt     time.Time       `db:"created_at"`
}

// UserEligibility is a user's eligibility points ceiling for one round,
// frozen at round-open time.
type UserEligibility struct {
	UserID      uuid.UUID `db:"user_id"`
	RoundID     uuid.UUID `db:"round_id"`
	Eligibility float64   `db:"eligibility"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// UserValue is a user's declared value for a space, consumed by proxy bidding.
type UserValue struct {
	UserID    uuid.UUID       `db:"user_id"`
	SpaceID   uuid.UUID       `db:"space_id"`
	Value     decimal.Decimal `db:"value"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// ProxySetting subscribes a user to automated bidding for one auction.
type ProxySetting struct {
	UserID    uuid.UUID `db:"user_id"`
	AuctionID uuid.UUID `db:"auction_id"`
	MaxItems  int       `db:"max_items"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Account is a double-entry ledger account. OwnerUserID is nil for a
// community's treasury account, which has unlimited credit. A nil
// CreditLimit also means unlimited credit.
type Account struct {
	ID            uuid.UUID        `db:"id"`
	CommunityID   uuid.UUID        `db:"community_id"`
	OwnerUserID   *uuid.UUID       `db:"owner_user_id"`
	BalanceCached decimal.Decimal  `db:"balance_cached"`
	CreditLimit   *decimal.Decimal `db:"credit_limit"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

// Treasury reports whether the account is a community treasury.
func (a *Account) Treasury() bool { return a.OwnerUserID == nil }

// JournalEntry groups the balanced lines of one ledger posting.
// IdempotencyKey is unique per community; reposting with the same key
// returns the prior entry without re-applying.
type JournalEntry struct {
	ID             uuid.UUID `db:"id"`
	CommunityID    uuid.UUID `db:"community_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Memo           string    `db:"memo"`
	CreatedAt      time.Time `db:"created_at"`
}

// JournalLine is one side of a posting. Amount is signed: negative debits
// the account, positive credits it. Lines of an entry sum to zero.
type JournalLine struct {
	EntryID   uuid.UUID       `db:"entry_id"`
	AccountID uuid.UUID       `db:"account_id"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

// CommunityRepository defines community and membership persistence.
type CommunityRepository interface {
	Create(ctx context.Context, c *Community) error
	GetByID(ctx context.Context, id uuid.UUID) (*Community, error)
	AddMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, communityID, userID uuid.UUID) (*Member, error)
}

// SiteRepository defines site persistence.
type SiteRepository interface {
	Create(ctx context.Context, s *Site) error
	GetByID(ctx context.Context, id uuid.UUID) (*Site, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// SpaceRepository defines space persistence, including the copy-on-write
// edit path for spaces with auction history.
type SpaceRepository interface {
	Create(ctx context.Context, s *Space) error
	GetByID(ctx context.Context, id uuid.UUID) (*Space, error)
	// ListAuctionable returns the site's spaces that are available and not
	// soft-deleted, ordered by creation time.
	ListAuctionable(ctx context.Context, siteID uuid.UUID) ([]Space, error)
	// Update applies an edit. If an identity-bearing field (name,
	// eligibility_points) changes on a space with auction history, the edit
	// is copy-on-write: a new row is created and the old one soft-deleted.
	Update(ctx context.Context, id uuid.UUID, upd SpaceUpdate) (*UpdateSpaceResult, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) error
	// Delete hard-deletes a space. Refused with ErrSpaceHasAuctionHistory
	// if any bid or round result references it.
	Delete(ctx context.Context, id uuid.UUID) error
	HasAuctionHistory(ctx context.Context, id uuid.UUID) (bool, error)
}

// AuctionRepository defines auction, round, bid, result and eligibility
// persistence.
type AuctionRepository interface {
	CreateParams(ctx context.Context, p *AuctionParams) error
	GetParams(ctx context.Context, id uuid.UUID) (*AuctionParams, error)

	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Auction, error)
	// Conclude sets end_at once. Returns ErrAuctionConcluded if already set.
	Conclude(ctx context.Context, id uuid.UUID, endAt time.Time) error
	// LockNextDue claims one auction needing processing: bidding has
	// started, the auction is not concluded, no round is still open, and
	// any failure backoff has expired. Claiming takes a transaction-scoped
	// advisory lock so concurrent schedulers never pick the same auction;
	// must be called inside InTx, and the lock holds until that
	// transaction ends. Returns (nil, nil) when no auction is due.
	LockNextDue(ctx context.Context) (*Auction, error)
	// RecordFailure bumps the scheduler failure counters after a
	// processing error.
	RecordFailure(ctx context.Context, id uuid.UUID) error
	// ClearFailures resets the scheduler failure counters.
	ClearFailures(ctx context.Context, id uuid.UUID) error

	CreateRound(ctx context.Context, r *AuctionRound) error
	GetRound(ctx context.Context, id uuid.UUID) (*AuctionRound, error)
	GetRoundByNum(ctx context.Context, auctionID uuid.UUID, roundNum int64) (*AuctionRound, error)
	// LatestRound returns the highest-numbered round, or (nil, nil) if the
	// auction has no rounds yet.
	LatestRound(ctx context.Context, auctionID uuid.UUID) (*AuctionRound, error)

	CreateBid(ctx context.Context, b *Bid) error
	DeleteBid(ctx context.Context, spaceID, roundID, userID uuid.UUID) error
	DeleteUserBidsInRound(ctx context.Context, roundID, userID uuid.UUID) error
	ListBidsForRound(ctx context.Context, roundID uuid.UUID) ([]Bid, error)
	ListUserBidsInRound(ctx context.Context, roundID, userID uuid.UUID) ([]Bid, error)

	CreateResult(ctx context.Context, r *RoundSpaceResult) error
	ListResultsForRound(ctx context.Context, roundID uuid.UUID) ([]RoundSpaceResult, error)
	GetResult(ctx context.Context, spaceID, roundID uuid.UUID) (*RoundSpaceResult, error)
	// LatestSpaceValue returns the space's most recent result in the given
	// auction strictly before roundNum, or (nil, nil) if none exists.
	LatestSpaceValue(ctx context.Context, auctionID, spaceID uuid.UUID, beforeRoundNum int64) (*RoundSpaceResult, error)

	CreateEligibility(ctx context.Context, e *UserEligibility) error
	GetEligibility(ctx context.Context, roundID, userID uuid.UUID) (*UserEligibility, error)
	ListEligibilityForRound(ctx context.Context, roundID uuid.UUID) ([]UserEligibility, error)
}

// LedgerRepository defines double-entry ledger persistence.
// PostEntry and GetAccountForUpdate must be called inside InTx.
type LedgerRepository interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	// GetUserAccount returns the user's account in a community.
	GetUserAccount(ctx context.Context, communityID, userID uuid.UUID) (*Account, error)
	// GetTreasuryAccount returns the community's treasury account.
	GetTreasuryAccount(ctx context.Context, communityID uuid.UUID) (*Account, error)
	// GetAccountForUpdate locks the account row for the remainder of the
	// surrounding transaction. Required before any credit check that
	// precedes a write.
	GetAccountForUpdate(ctx context.Context, id uuid.UUID) (*Account, error)
	// LockedBalance is the sum a user's open auction positions would cost
	// at settlement: values of spaces they currently stand winning, plus
	// the implied price of each open bid in rounds not yet settled.
	LockedBalance(ctx context.Context, account *Account) (decimal.Decimal, error)
	// AvailableCredit is balance minus locked plus credit limit. Treasury
	// accounts and accounts with a nil limit report unlimited credit.
	AvailableCredit(ctx context.Context, account *Account) (decimal.Decimal, bool, error)
	// CheckSufficientCredit returns InsufficientCreditError when the
	// account cannot cover amount.
	CheckSufficientCredit(ctx context.Context, account *Account, amount decimal.Decimal) error
	// PostEntry atomically posts a balanced set of lines. If an entry with
	// the same idempotency key exists in the community, it is returned
	// unchanged and nothing is re-applied.
	PostEntry(ctx context.Context, entry *JournalEntry, lines []JournalLine) (*JournalEntry, error)
	GetEntryByKey(ctx context.Context, communityID uuid.UUID, key string) (*JournalEntry, error)
	ListLines(ctx context.Context, entryID uuid.UUID) ([]JournalLine, error)
}

// ProxyRepository defines proxy-bidding subscription and declared-value
// persistence, plus the scheduler's proxy work queue.
type ProxyRepository interface {
	UpsertUserValue(ctx context.Context, v *UserValue) error
	// ListUserValues returns the user's declared values for spaces of the
	// given site.
	ListUserValues(ctx context.Context, userID, siteID uuid.UUID) ([]UserValue, error)
	UpsertSetting(ctx context.Context, s *ProxySetting) error
	GetSetting(ctx context.Context, auctionID, userID uuid.UUID) (*ProxySetting, error)
	ListSettings(ctx context.Context, auctionID uuid.UUID) ([]ProxySetting, error)
	// LockNextDueRound claims one open round whose proxy bids need
	// (re)computing: never processed, or settings/values changed since the
	// last pass, or the failure backoff expired. Advisory-locked like
	// AuctionRepository.LockNextDue; must be called inside InTx. Returns
	// (nil, nil) when nothing is due.
	LockNextDueRound(ctx context.Context) (*AuctionRound, error)
	// MarkRoundProcessed stamps proxy_last_processed_at and clears the
	// failure counters.
	MarkRoundProcessed(ctx context.Context, roundID uuid.UUID, at time.Time) error
	// RecordRoundFailure bumps the proxy failure counters.
	RecordRoundFailure(ctx context.Context, roundID uuid.UUID) error
}

// Closer releases store resources.
type Closer = io.Closer
