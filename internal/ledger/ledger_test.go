package ledger_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/10log10/tinylvt-sub001/internal/ledger"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestValidateLines(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	tests := []struct {
		name    string
		lines   []store.JournalLine
		wantErr error
	}{
		{
			name: "balanced pair",
			lines: []store.JournalLine{
				{AccountID: a, Amount: dec("-5.00")},
				{AccountID: b, Amount: dec("5.00")},
			},
		},
		{
			name:    "empty",
			lines:   nil,
			wantErr: store.ErrEmptyEntry,
		},
		{
			name: "unbalanced",
			lines: []store.JournalLine{
				{AccountID: a, Amount: dec("-5.00")},
				{AccountID: b, Amount: dec("4.99")},
			},
			wantErr: store.ErrUnbalancedLines,
		},
		{
			name: "duplicate account",
			lines: []store.JournalLine{
				{AccountID: a, Amount: dec("-5.00")},
				{AccountID: a, Amount: dec("5.00")},
			},
			wantErr: store.ErrDuplicateLineAccount,
		},
		{
			name: "three way balanced",
			lines: []store.JournalLine{
				{AccountID: a, Amount: dec("-3.00")},
				{AccountID: b, Amount: dec("-2.00")},
				{AccountID: uuid.New(), Amount: dec("5.00")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.ValidateLines(tt.lines)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateLines() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAvailableCredit(t *testing.T) {
	limit := dec("10.00")

	tests := []struct {
		name        string
		account     store.Account
		locked      decimal.Decimal
		want        string
		wantLimited bool
	}{
		{
			name:        "balance minus locked plus limit",
			account:     store.Account{OwnerUserID: ptr(uuid.New()), BalanceCached: dec("20.00"), CreditLimit: &limit},
			locked:      dec("5.00"),
			want:        "25.00",
			wantLimited: true,
		},
		{
			name:        "nil limit is unlimited",
			account:     store.Account{OwnerUserID: ptr(uuid.New()), BalanceCached: dec("0.00")},
			locked:      dec("100.00"),
			wantLimited: false,
		},
		{
			name:        "treasury is unlimited",
			account:     store.Account{BalanceCached: dec("-999.00"), CreditLimit: &limit},
			locked:      dec("0.00"),
			wantLimited: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, limited := ledger.AvailableCredit(&tt.account, tt.locked)
			if limited != tt.wantLimited {
				t.Fatalf("limited = %v, want %v", limited, tt.wantLimited)
			}
			if limited && !got.Equal(dec(tt.want)) {
				t.Errorf("AvailableCredit() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckSufficientCredit(t *testing.T) {
	limit := dec("0.00")
	acct := store.Account{OwnerUserID: ptr(uuid.New()), BalanceCached: dec("3.00"), CreditLimit: &limit}

	if err := ledger.CheckSufficientCredit(&acct, dec("0.00"), dec("3.00")); err != nil {
		t.Errorf("exact balance should pass, got %v", err)
	}

	err := ledger.CheckSufficientCredit(&acct, dec("1.00"), dec("3.00"))
	var credit *store.InsufficientCreditError
	if !errors.As(err, &credit) {
		t.Fatalf("got %v, want InsufficientCreditError", err)
	}
	if !credit.Available.Equal(dec("2.00")) || !credit.Required.Equal(dec("3.00")) {
		t.Errorf("got available=%s required=%s, want 2.00/3.00", credit.Available, credit.Required)
	}
}

func TestDebits(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	lines := []store.JournalLine{
		{AccountID: a, Amount: dec("-5.00")},
		{AccountID: b, Amount: dec("5.00")},
	}
	debits := ledger.Debits(lines)
	if len(debits) != 1 || debits[0].AccountID != a {
		t.Errorf("Debits() = %v, want single line for account %s", debits, a)
	}
}

func ptr[T any](v T) *T { return &v }
