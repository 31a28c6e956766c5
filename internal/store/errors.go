package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain errors. These are user-facing and never retried automatically.
var (
	ErrCommunityNotFound   = errors.New("community not found")
	ErrMemberNotFound      = errors.New("member not found")
	ErrSiteNotFound        = errors.New("site not found")
	ErrSpaceNotFound       = errors.New("space not found")
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrParamsNotFound      = errors.New("auction params not found")
	ErrRoundNotFound       = errors.New("auction round not found")
	ErrBidNotFound         = errors.New("bid not found")
	ErrResultNotFound      = errors.New("round result not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrEntryNotFound       = errors.New("journal entry not found")
	ErrSettingNotFound     = errors.New("proxy setting not found")
	ErrEligibilityNotFound = errors.New("eligibility not found")

	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrSiteDeleted             = errors.New("site is deleted")
	ErrSpaceDeleted            = errors.New("space is deleted")
	ErrSpaceNotAvailable       = errors.New("space is not available")
	ErrSpaceHasAuctionHistory  = errors.New("space has auction history")

	ErrRoundNotStarted = errors.New("round has not started")
	ErrRoundEnded      = errors.New("round has ended")
	ErrAlreadyWinning  = errors.New("already winning this space from the previous round")
	ErrNoEligibility   = errors.New("no eligibility recorded for this round")
	ErrDuplicateBid    = errors.New("bid already placed for this space and round")

	ErrAuctionConcluded = errors.New("auction already concluded")
)

// Invariant violations. These indicate programming errors and are logged
// loudly rather than retried or papered over.
var (
	ErrUnbalancedLines      = errors.New("journal entry lines do not sum to zero")
	ErrDuplicateLineAccount = errors.New("journal entry has multiple lines for one account")
	ErrEmptyEntry           = errors.New("journal entry has no lines")
	ErrDuplicateResult      = errors.New("result already recorded for this space and round")
)

// ExceedsEligibilityError reports a bid that would push the user's active
// eligibility points over their ceiling for the round.
type ExceedsEligibilityError struct {
	Available float64
	Required  float64
}

func (e *ExceedsEligibilityError) Error() string {
	return fmt.Sprintf("bid exceeds eligibility: %.2f points required, %.2f available", e.Required, e.Available)
}

// InsufficientCreditError reports an account that cannot cover an amount.
type InsufficientCreditError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: %s required, %s available", e.Required, e.Available)
}

// IsDomainError reports whether err is a user-facing validation failure
// rather than a transient infrastructure error. The proxy pass uses this to
// skip a space and move on instead of failing the whole run.
func IsDomainError(err error) bool {
	var elig *ExceedsEligibilityError
	var credit *InsufficientCreditError
	if errors.As(err, &elig) || errors.As(err, &credit) {
		return true
	}
	for _, sentinel := range []error{
		ErrMemberNotFound, ErrInsufficientPermissions,
		ErrSiteDeleted, ErrSpaceDeleted, ErrSpaceNotAvailable,
		ErrRoundNotStarted, ErrRoundEnded, ErrAlreadyWinning,
		ErrNoEligibility, ErrDuplicateBid,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
