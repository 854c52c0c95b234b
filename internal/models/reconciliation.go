package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationEntry is the before/after state of one account. Drift is
// After minus Before; zero means the incremental path had not diverged.
type ReconciliationEntry struct {
	AccountID string          `json:"account_id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	Drift     decimal.Decimal `json:"drift"`
}

// ReconciliationReport is the diff produced by a full balance recompute.
// Drift is an expected, recoverable condition, so the report is returned
// to the operator rather than raised as an error.
type ReconciliationReport struct {
	OwnerID    string                `json:"owner_id"`
	Entries    []ReconciliationEntry `json:"entries"`
	DriftCount int                   `json:"drift_count"`
	Replayed   int                   `json:"transactions_replayed"`
	RanAt      time.Time             `json:"ran_at"`
}
