// Package ledger holds the pure double-entry bookkeeping rules shared by
// the store's ledger repository and its callers.
package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/10log10/tinylvt-sub001/internal/store"
)

// ValidateLines checks the double-entry invariants of a posting: at least
// one line, at most one line per account, amounts summing exactly to zero.
// Violations are programming errors, not recoverable conditions.
func ValidateLines(lines []store.JournalLine) error {
	if len(lines) == 0 {
		return store.ErrEmptyEntry
	}
	seen := make(map[uuid.UUID]struct{}, len(lines))
	sum := decimal.Zero
	for _, l := range lines {
		if _, ok := seen[l.AccountID]; ok {
			return store.ErrDuplicateLineAccount
		}
		seen[l.AccountID] = struct{}{}
		sum = sum.Add(l.Amount)
	}
	if !sum.IsZero() {
		return store.ErrUnbalancedLines
	}
	return nil
}

// AvailableCredit computes how much an account can still spend:
// balance minus locked plus the credit limit. The second return is false
// when credit is unlimited (treasury account or nil limit), in which case
// the amount is meaningless.
func AvailableCredit(account *store.Account, locked decimal.Decimal) (decimal.Decimal, bool) {
	if account.Treasury() || account.CreditLimit == nil {
		return decimal.Zero, false
	}
	return account.BalanceCached.Sub(locked).Add(*account.CreditLimit), true
}

// CheckSufficientCredit returns InsufficientCreditError when the account's
// available credit cannot cover amount.
func CheckSufficientCredit(account *store.Account, locked, amount decimal.Decimal) error {
	available, limited := AvailableCredit(account, locked)
	if !limited {
		return nil
	}
	if available.LessThan(amount) {
		return &store.InsufficientCreditError{Available: available, Required: amount}
	}
	return nil
}

// Debits returns the lines that reduce an account's balance, i.e. those
// with a negative amount.
func Debits(lines []store.JournalLine) []store.JournalLine {
	var out []store.JournalLine
	for _, l := range lines {
		if l.Amount.IsNegative() {
			out = append(out, l)
		}
	}
	return out
}
