package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types. Amounts are always stored positive; direction is
// carried by the type and by which account slot is populated.
const (
	TransactionTypeIncome   = "income"
	TransactionTypeExpense  = "expense"
	TransactionTypeTransfer = "transfer"
)

// Transaction statuses. Deleted rows are retained for history; their
// balance effects have been reversed and they never come back.
const (
	TransactionStatusActive  = "active"
	TransactionStatusDeleted = "deleted"
)

type Transaction struct {
	ID                   string          `json:"id" db:"id"`
	OwnerID              string          `json:"owner_id" db:"owner_id"`
	Type                 string          `json:"type" db:"type"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Title                string          `json:"title" db:"title"`
	Notes                []string        `json:"notes" db:"notes"`
	CategoryID           string          `json:"category_id" db:"category_id"`
	SourceAccountID      *string         `json:"source_account_id" db:"source_account_id"`
	DestinationAccountID *string         `json:"destination_account_id" db:"destination_account_id"`
	Status               string          `json:"status" db:"status"`
	OccurredAt           time.Time       `json:"occurred_at" db:"occurred_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt            *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

func ValidTransactionType(txType string) bool {
	switch txType {
	case TransactionTypeIncome, TransactionTypeExpense, TransactionTypeTransfer:
		return true
	}
	return false
}
