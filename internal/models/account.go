package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account kinds. Asset kinds hold money; the credit kind tracks
// outstanding debt, so its balance moves in the opposite direction.
const (
	AccountKindChecking   = "checking"
	AccountKindSavings    = "savings"
	AccountKindInvestment = "investment"
	AccountKindCredit     = "credit"
	AccountKindWallet     = "wallet"
)

type Account struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	Name      string          `json:"name" db:"name"`
	Kind      string          `json:"kind" db:"kind"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Active    bool            `json:"active" db:"active"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// AccountBalance is the (account, balance) pair returned alongside every
// ledger mutation so callers see the post-operation state.
type AccountBalance struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

func ValidAccountKind(kind string) bool {
	switch kind {
	case AccountKindChecking, AccountKindSavings, AccountKindInvestment,
		AccountKindCredit, AccountKindWallet:
		return true
	}
	return false
}

func AssetKind(kind string) bool {
	return ValidAccountKind(kind) && kind != AccountKindCredit
}
